package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xaenox/wa-responder/internal/models"
)

const defaultGraphURL = "https://graph.facebook.com/v18.0"

// Meta talks to the WhatsApp Cloud API on the Graph endpoint.
type Meta struct {
	client
	apiKey        string
	phoneNumberID string
}

func NewMeta(apiKey, phoneNumberID string, opts ...Option) *Meta {
	return &Meta{
		client:        newClient(defaultGraphURL, opts),
		apiKey:        apiKey,
		phoneNumberID: phoneNumberID,
	}
}

func (m *Meta) Name() string {
	return "meta"
}

func (m *Meta) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", m.baseURL, m.phoneNumberID)
}

func (m *Meta) send(ctx context.Context, payload graphMessage) (string, error) {
	var resp graphSendResponse
	headers := map[string]string{"Authorization": "Bearer " + m.apiKey}
	if err := m.postJSON(ctx, m.messagesURL(), headers, payload, &resp); err != nil {
		return "", err
	}
	return resp.id()
}

func (m *Meta) Send(ctx context.Context, to, text string) (string, error) {
	id, err := m.send(ctx, graphMessage{
		MessagingProduct: "whatsapp",
		To:               digitsOnly(to),
		Type:             "text",
		Text:             &textBody{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("meta: send message: %w", err)
	}
	return id, nil
}

// SendTemplate sends a pre-approved template; params fill the body placeholders in order.
func (m *Meta) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	if language == "" {
		language = "tr"
	}
	tmpl := &templateBody{Name: name, Language: templateLanguage{Code: language}}
	if len(params) > 0 {
		component := templateComponent{Type: "body"}
		for _, p := range params {
			component.Parameters = append(component.Parameters, templateParameter{Type: "text", Text: p})
		}
		tmpl.Components = []templateComponent{component}
	}
	id, err := m.send(ctx, graphMessage{
		MessagingProduct: "whatsapp",
		To:               digitsOnly(to),
		Type:             "template",
		Template:         tmpl,
	})
	if err != nil {
		return "", fmt.Errorf("meta: send template: %w", err)
	}
	return id, nil
}

type metaWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (m *Meta) ParseInbound(r *http.Request) ([]models.InboundMessage, error) {
	var hook metaWebhook
	if err := decodeJSONBody(r, &hook); err != nil {
		return nil, err
	}
	var messages []inboundMessage
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			messages = append(messages, change.Value.Messages...)
		}
	}
	return collectInbound(messages, withPlus)
}
