package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"go.uber.org/zap"
)

// Client talks to the WhatsApp Business API: parsing inbound webhook
// payloads and sending outbound text messages.
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
	logger     *log.Logger
}

func NewClient(cfg *config.Config, logger *log.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     logger,
	}
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []struct {
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Image *struct {
						Caption string `json:"caption"`
					} `json:"image"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages and status events from a raw webhook
// payload. Non-WhatsApp payloads and non-text messages are skipped, not
// errors — the provider replays webhooks and dupes must stay cheap.
func (c *Client) ParseWebhook(payload []byte) ([]InboundMessage, []StatusEvent, error) {
	var parsed webhookPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if parsed.Object != "whatsapp_business_account" {
		c.logger.Warn("Received non-WhatsApp webhook", zap.String("object", parsed.Object))
		return nil, nil, nil
	}

	var messages []InboundMessage
	var statuses []StatusEvent
	for _, entry := range parsed.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				var text string
				switch {
				case msg.Text != nil && msg.Text.Body != "":
					text = msg.Text.Body
				case msg.Image != nil && msg.Image.Caption != "":
					text = msg.Image.Caption
				default:
					continue
				}
				c.logger.Info("Received message",
					zap.String("user_id", msg.From),
					zap.String("preview", truncate(text, 50)))
				messages = append(messages, InboundMessage{
					UserID:    msg.From,
					Text:      text,
					Timestamp: msg.Timestamp,
				})
			}
			for _, st := range change.Value.Statuses {
				statuses = append(statuses, StatusEvent{
					MessageID:   st.ID,
					Status:      st.Status,
					RecipientID: st.RecipientID,
				})
			}
		}
	}
	return messages, statuses, nil
}

// Send delivers text to a recipient. Messages over the provider payload cap
// are truncated with a visible ellipsis. Rate limits come back as a
// DeliveryError carrying the provider's Retry-After.
func (c *Client) Send(ctx context.Context, to, text string) error {
	text = truncate(text, c.cfg.MaxMessageLength)
	c.logger.Info("Sending message",
		zap.String("recipient", to),
		zap.String("preview", truncate(text, 50)))

	body, err := json.Marshal(map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        text,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WhatsAppAPIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.WhatsAppAPIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("WhatsApp API request failed", zap.Error(err), zap.String("recipient", to))
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	delErr := &DeliveryError{
		StatusCode: resp.StatusCode,
		Body:       truncate(string(respBody), 500),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		delErr.RetryAfter = c.retryAfter(resp)
		c.logger.Warn("WhatsApp API rate limited",
			zap.String("recipient", to),
			zap.Duration("retry_after", delErr.RetryAfter))
		return delErr
	}

	c.logger.Error("WhatsApp API error",
		zap.Int("status", resp.StatusCode),
		zap.String("recipient", to),
		zap.String("text", truncate(text, 100)),
		zap.String("body", delErr.Body))
	return delErr
}

func (c *Client) retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.cfg.RateLimitDefaultWait
}

// VerifyWebhook answers the provider's subscription challenge.
func (c *Client) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.cfg.WebhookVerifyToken {
		c.logger.Info("WhatsApp webhook verified")
		return challenge, true
	}
	c.logger.Warn("WhatsApp webhook verification failed")
	return "", false
}

// truncate caps s at maxLen characters, cutting on a rune boundary so
// accented text is never split mid-character.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
