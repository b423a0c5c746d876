package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
)

// SendGridGateway sends through the SendGrid v3 Mail Send API and reads
// delivery outcomes from the Email Activity API.
type SendGridGateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSendGrid creates a SendGrid gateway.
func NewSendGrid(apiKey string) *SendGridGateway {
	return &SendGridGateway{
		apiKey:  apiKey,
		baseURL: "https://api.sendgrid.com/v3",
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

// Send delivers one message. Provider rejections come back in the result,
// not as an error; only transport failures return an error.
func (g *SendGridGateway) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}

	content := []map[string]string{{"type": "text/html", "value": env.HTMLBody}}
	if env.TextBody != "" {
		content = []map[string]string{
			{"type": "text/plain", "value": env.TextBody},
			{"type": "text/html", "value": env.HTMLBody},
		}
	}
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{
				"to": []map[string]string{{"email": env.To, "name": env.ToName}},
				"custom_args": map[string]string{
					"contact_id": env.ContactID,
					"batch_id":   env.BatchID,
					"email_type": env.Kind,
				},
			},
		},
		"from":    map[string]string{"email": env.FromEmail, "name": env.FromName},
		"subject": env.Subject,
		"content": content,
	}
	if env.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": env.ReplyTo}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &SendResult{
			Accepted:  false,
			Error:     fmt.Sprintf("SendGrid error %d: %s", resp.StatusCode, string(body)),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}, nil
	}

	messageID := resp.Header.Get("X-Message-Id")
	logger.Debug("sendgrid accepted message", "recipient", env.To, "message_id", messageID)
	return &SendResult{Accepted: true, MessageID: messageID}, nil
}

type activityResponse struct {
	Messages []struct {
		Status string `json:"status"`
	} `json:"messages"`
}

// QueryStatus looks a message up in the Email Activity API and maps the
// provider status onto the delivery states the store records.
func (g *SendGridGateway) QueryStatus(ctx context.Context, messageID string) (*StatusResult, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}

	query := url.QueryEscape(fmt.Sprintf(`msg_id LIKE "%s%%"`, messageID))
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/messages?limit=1&query=%s", g.baseURL, query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("SendGrid activity error %d: %s", resp.StatusCode, string(body))
	}

	var ar activityResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("parse activity response: %w", err)
	}
	if len(ar.Messages) == 0 {
		return &StatusResult{Status: DeliveryUnknown, Details: "no activity yet"}, nil
	}

	provider := ar.Messages[0].Status
	return &StatusResult{Status: mapProviderStatus(provider), Details: provider}, nil
}

func mapProviderStatus(s string) string {
	switch s {
	case "delivered":
		return DeliveryDelivered
	case "processed", "deferred":
		return DeliveryDeferred
	case "bounce", "bounced", "not_delivered":
		return DeliveryBounced
	case "dropped", "blocked", "spam_report":
		return DeliveryDropped
	}
	return DeliveryUnknown
}
