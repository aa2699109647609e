package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/wa-responder/pkg/config"
)

// Action is the routing decision for an inbound message.
type Action int

const (
	Defer Action = iota
	Emergency
	OutsideHours
)

func (a Action) String() string {
	switch a {
	case Emergency:
		return "emergency"
	case OutsideHours:
		return "outside_hours"
	default:
		return "defer"
	}
}

// BusinessHours is a weekly window: a set of days intersected with a
// time-of-day range, both ends inclusive.
type BusinessHours struct {
	Location *time.Location
	Days     []time.Weekday
	Opens    time.Duration
	Closes   time.Duration
}

// Contains reports whether t falls on a business day and inside opening hours.
func (h BusinessHours) Contains(t time.Time) bool {
	local := t.In(h.Location)

	open := false
	for _, d := range h.Days {
		if local.Weekday() == d {
			open = true
			break
		}
	}
	if !open {
		return false
	}

	clock := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	return clock >= h.Opens && clock <= h.Closes
}

// Policy decides how an inbound message is answered. It has no side effects.
type Policy struct {
	keywords              []string
	hours                 BusinessHours
	immediateOutsideHours bool
	now                   func() time.Time
}

type Option func(*Policy)

func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

func New(keywords []string, hours BusinessHours, immediateOutsideHours bool, opts ...Option) *Policy {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	if hours.Location == nil {
		hours.Location = time.UTC
	}
	p := &Policy{
		keywords:              lowered,
		hours:                 hours,
		immediateOutsideHours: immediateOutsideHours,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig builds the policy from the automation and business sections.
func FromConfig(automation config.AutomationConfig, business config.BusinessConfig, opts ...Option) (*Policy, error) {
	loc, err := time.LoadLocation(business.Timezone)
	if err != nil {
		return nil, fmt.Errorf("policy: load timezone %q: %w", business.Timezone, err)
	}
	days, err := config.ParseWeekdays(business.Days)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	opens, err := config.ParseClock(business.Opens)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	closes, err := config.ParseClock(business.Closes)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	hours := BusinessHours{Location: loc, Days: days, Opens: opens, Closes: closes}
	return New(automation.EmergencyKeywords, hours, automation.ImmediateOutsideHours, opts...), nil
}

// IsEmergency reports a case-insensitive substring match on any keyword.
func (p *Policy) IsEmergency(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range p.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (p *Policy) WithinBusinessHours(t time.Time) bool {
	return p.hours.Contains(t)
}

func (p *Policy) Decide(text string) Action {
	return p.DecideAt(text, p.now())
}

// DecideAt checks emergency first so it wins regardless of the hour.
func (p *Policy) DecideAt(text string, at time.Time) Action {
	if p.IsEmergency(text) {
		return Emergency
	}
	if p.immediateOutsideHours && !p.hours.Contains(at) {
		return OutsideHours
	}
	return Defer
}

func (p *Policy) Now() time.Time {
	return p.now()
}
