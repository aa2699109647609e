package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xaenox/wa-responder/internal/models"
)

const default360DialogURL = "https://waba.360dialog.io/v1"

// Dialog360 is the 360dialog on-premise style API.
type Dialog360 struct {
	client
	apiKey string
}

func NewDialog360(apiKey string, opts ...Option) *Dialog360 {
	return &Dialog360{
		client: newClient(default360DialogURL, opts),
		apiKey: apiKey,
	}
}

func (d *Dialog360) Name() string {
	return "360dialog"
}

func (d *Dialog360) Send(ctx context.Context, to, text string) (string, error) {
	var resp graphSendResponse
	payload := graphMessage{
		To:   stripWhatsAppPrefix(to),
		Type: "text",
		Text: &textBody{Body: text},
	}
	headers := map[string]string{"D360-API-KEY": d.apiKey}
	if err := d.postJSON(ctx, d.baseURL+"/messages", headers, payload, &resp); err != nil {
		return "", fmt.Errorf("360dialog: send message: %w", err)
	}
	id, err := resp.id()
	if err != nil {
		return "", fmt.Errorf("360dialog: %w", err)
	}
	return id, nil
}

func (d *Dialog360) ParseInbound(r *http.Request) ([]models.InboundMessage, error) {
	var hook struct {
		Messages []inboundMessage `json:"messages"`
	}
	if err := decodeJSONBody(r, &hook); err != nil {
		return nil, err
	}
	return collectInbound(hook.Messages, stripWhatsAppPrefix)
}
