package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/pkg/config"
)

const defaultTwilioURL = "https://api.twilio.com"

// Twilio sends through the Programmable Messaging REST API and receives
// form-encoded webhooks.
type Twilio struct {
	rest       *twilio.RestClient
	accountSID string
	from       string
}

func NewTwilio(cfg config.TwilioConfig, opts ...Option) *Twilio {
	from := cfg.FromNumber
	if from != "" && !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	c := newClient(defaultTwilioURL, opts)

	httpClient := *c.httpClient
	if c.baseURL != defaultTwilioURL {
		if base, err := url.Parse(c.baseURL); err == nil {
			httpClient.Transport = &baseURLTransport{base: base, next: httpClient.Transport}
		}
	}
	restClient := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  &httpClient,
	}
	restClient.SetAccountSid(cfg.AccountSID)

	return &Twilio{
		rest:       twilio.NewRestClientWithParams(twilio.ClientParams{Client: restClient}),
		accountSID: cfg.AccountSID,
		from:       from,
	}
}

// baseURLTransport points the SDK, which always targets api.twilio.com, at
// another host.
type baseURLTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.base.Scheme
	out.URL.Host = t.base.Host
	out.URL.Path = strings.TrimRight(t.base.Path, "/") + req.URL.Path
	out.Host = t.base.Host
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(out)
}

func (t *Twilio) Name() string {
	return "twilio"
}

type twilioResult struct {
	msg *twilioapi.ApiV2010Message
	err error
}

// Send creates the message. The SDK call takes no context, so it runs
// aside and ctx only bounds the wait; the HTTP client timeout bounds the call.
func (t *Twilio) Send(ctx context.Context, to, text string) (string, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetFrom(t.from)
	params.SetTo("whatsapp:" + stripWhatsAppPrefix(to))
	params.SetBody(text)

	done := make(chan twilioResult, 1)
	go func() {
		msg, err := t.rest.Api.CreateMessage(params)
		done <- twilioResult{msg: msg, err: err}
	}()

	var res twilioResult
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("twilio: send message: %w", ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(res.err, &restErr) {
			return "", fmt.Errorf("twilio: send message: %w", &HTTPStatusError{
				StatusCode: restErr.Status,
				URL:        restErr.MoreInfo,
				Body:       restErr.Message,
			})
		}
		return "", fmt.Errorf("twilio: send message: %w", res.err)
	}
	if res.msg == nil || res.msg.Sid == nil || *res.msg.Sid == "" {
		return "", errors.New("twilio: no message sid in response")
	}
	return *res.msg.Sid, nil
}

func (t *Twilio) ParseInbound(r *http.Request) ([]models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	from := stripWhatsAppPrefix(r.PostForm.Get("From"))
	body := r.PostForm.Get("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: From and Body are required", ErrMalformedWebhook)
	}
	return []models.InboundMessage{{
		Phone:             from,
		Text:              body,
		ProviderMessageID: r.PostForm.Get("MessageSid"),
	}}, nil
}
