package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/pkg/config"
)

// Sender delivers a text message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Provider is one WhatsApp Business API vendor: outbound delivery plus the
// webhook format it posts inbound messages in.
type Provider interface {
	Sender
	Name() string
	// ParseInbound extracts the text messages of a webhook call. Status
	// callbacks and non-text messages yield no messages and no error.
	ParseInbound(r *http.Request) ([]models.InboundMessage, error)
}

// TemplateSender delivers pre-approved template messages.
type TemplateSender interface {
	SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error)
}

var ErrTemplatesUnsupported = errors.New("whatsapp: template messages are only supported by the meta provider")

// ErrMalformedWebhook marks an inbound payload missing required fields.
var ErrMalformedWebhook = errors.New("whatsapp: malformed webhook payload")

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Option func(*client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *client) {
		c.httpClient = httpClient
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// New returns the provider selected by cfg.Provider.
func New(cfg config.WhatsAppConfig, opts ...Option) (Provider, error) {
	if cfg.BaseURL != "" {
		opts = append([]Option{WithBaseURL(cfg.BaseURL)}, opts...)
	}
	switch cfg.Provider {
	case "twilio":
		return NewTwilio(cfg.Twilio, opts...), nil
	case "meta":
		return NewMeta(cfg.APIKey, cfg.PhoneNumberID, opts...), nil
	case "360dialog":
		return NewDialog360(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported WhatsApp provider: %s", cfg.Provider)
	}
}

// client is the HTTP plumbing shared by every provider.
type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(defaultBaseURL string, opts []Option) client {
	c := client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c
}

func (c *client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

// graphMessage is the payload shape shared by the Meta Graph API and 360dialog.
type graphMessage struct {
	MessagingProduct string        `json:"messaging_product,omitempty"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (r graphSendResponse) id() (string, error) {
	if len(r.Messages) == 0 || r.Messages[0].ID == "" {
		return "", errors.New("no message id in response")
	}
	return r.Messages[0].ID, nil
}

// inboundMessage is a single entry of the messages array in Meta and 360dialog webhooks.
type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (m inboundMessage) isText() bool {
	return m.Type == "" || m.Type == "text"
}

func stripWhatsAppPrefix(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:")
}

// withPlus puts a number in international "+" form.
func withPlus(phone string) string {
	phone = stripWhatsAppPrefix(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}

// digitsOnly drops the "whatsapp:" and "+" decorations the Graph API rejects.
func digitsOnly(phone string) string {
	return strings.TrimPrefix(stripWhatsAppPrefix(phone), "+")
}

func decodeJSONBody(r *http.Request, out any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	return nil
}

func collectInbound(messages []inboundMessage, normalize func(string) string) ([]models.InboundMessage, error) {
	out := make([]models.InboundMessage, 0, len(messages))
	for _, m := range messages {
		if !m.isText() {
			continue
		}
		if m.From == "" || strings.TrimSpace(m.Text.Body) == "" {
			return nil, fmt.Errorf("%w: message %q missing sender or text", ErrMalformedWebhook, m.ID)
		}
		out = append(out, models.InboundMessage{
			Phone:             normalize(m.From),
			Text:              m.Text.Body,
			ProviderMessageID: m.ID,
		})
	}
	return out, nil
}
