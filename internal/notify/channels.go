package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jordanhubbard/holly/internal/messagebus"
)

// Publisher is the part of the message bus the NATS channel needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// NATS publishes events on holly.improvements.<type>.
type NATS struct {
	pub Publisher
}

// NewNATS wraps a publisher.
func NewNATS(pub Publisher) *NATS {
	return &NATS{pub: pub}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, ev Event) error {
	return n.pub.Publish(ctx, messagebus.Subject(string(ev.Type)), ev)
}

// WebhookFormat selects the payload shape of a chat webhook.
type WebhookFormat string

const (
	FormatSlack   WebhookFormat = "slack"
	FormatDiscord WebhookFormat = "discord"
	FormatJSON    WebhookFormat = "json"
)

// Webhook posts events to a chat webhook, rate limited so a burst of
// transitions cannot get the endpoint throttled.
type Webhook struct {
	name    string
	url     string
	format  WebhookFormat
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook channel allowing perMinute posts with a
// burst of the same size.
func NewWebhook(name, url string, format WebhookFormat, perMinute int, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if perMinute <= 0 {
		perMinute = 30
	}
	if name == "" {
		name = "webhook-" + string(format)
	}
	return &Webhook{
		name:    name,
		url:     url,
		format:  format,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Send(ctx context.Context, ev Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	body, err := json.Marshal(w.payload(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func summary(ev Event) string {
	s := fmt.Sprintf("*%s*\n%s", ev.Title, ev.Message)
	if ev.PRURL != "" {
		s += "\n" + ev.PRURL
	}
	return s
}

func (w *Webhook) payload(ev Event) any {
	switch w.format {
	case FormatSlack:
		return map[string]any{
			"text": summary(ev),
			"blocks": []map[string]any{{
				"type": "section",
				"text": map[string]string{"type": "mrkdwn", "text": summary(ev)},
			}},
		}
	case FormatDiscord:
		embed := map[string]any{
			"title":       ev.Title,
			"description": ev.Message,
			"color":       discordColor(ev.Type),
			"timestamp":   ev.OccurredAt.Format(time.RFC3339),
		}
		if ev.PRURL != "" {
			embed["url"] = ev.PRURL
		}
		return map[string]any{"content": ev.Title, "embeds": []map[string]any{embed}}
	default:
		return ev
	}
}

func discordColor(t EventType) int {
	switch t {
	case EventMerged, EventDeployed:
		return 0x2ecc71
	case EventRejected, EventFailed, EventGuardrailViolation, EventClosed:
		return 0xe74c3c
	case EventReviewRequested, EventRolledBack:
		return 0xf1c40f
	default:
		return 0x3498db
	}
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text mail through an SMTP relay.
type Email struct {
	addr     string
	from     string
	to       []string
	auth     smtp.Auth
	sendMail SendMailFunc
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// NewEmail creates an SMTP channel. send may be nil to use smtp.SendMail.
func NewEmail(cfg EmailConfig, send SendMailFunc) *Email {
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &Email{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, port),
		from:     cfg.From,
		to:       append([]string(nil), cfg.To...),
		auth:     auth,
		sendMail: send,
	}
}

func (e *Email) Name() string { return "email" }

// Send ignores ctx cancellation once the SMTP exchange has started;
// net/smtp has no context support.
func (e *Email) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(e.to) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: [holly] %s\r\n", headerSafe(ev.Title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(ev.Message)
	b.WriteString("\r\n")
	if ev.PRURL != "" {
		fmt.Fprintf(&b, "\r\nPull request: %s\r\n", ev.PRURL)
	}
	fmt.Fprintf(&b, "\r\nImprovement: %s (%s)\r\n", ev.ImprovementID, ev.Status)
	if err := e.sendMail(e.addr, e.auth, e.from, e.to, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
