package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/config"
	"bountyline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

const (
	HeaderType      = "X-Bountyline-Notification"
	HeaderDelivery  = "X-Bountyline-Delivery"
	HeaderSignature = "X-Bountyline-Signature"
)

// Webhook posts each notification as JSON to every active configured hook
// subscribed to its type. When a hook has a secret the body is signed with
// HMAC-SHA256 and sent as "sha256=<hex>".
type Webhook struct {
	Hooks  []config.Webhook
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(hooks []config.Webhook) *Webhook {
	return &Webhook{Hooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}, Now: time.Now}
}

type webhookBody struct {
	ID      string         `json:"id"`
	TS      string         `json:"ts"`
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, hook := range w.Hooks {
		if !hook.Active() || strings.TrimSpace(hook.URL) == "" || !hook.Accepts(n.Type) {
			continue
		}
		if err := w.post(ctx, hook, n); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) post(ctx context.Context, hook config.Webhook, n domain.Notification) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	body := webhookBody{
		ID:      uuid.NewString(),
		TS:      now().UTC().Format(time.RFC3339),
		UserID:  n.UserID,
		Type:    n.Type,
		Title:   n.Title,
		Message: n.Message,
		Data:    n.Data,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderType, n.Type)
	req.Header.Set(HeaderDelivery, body.ID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
