// Package webhook delivers settlement events to registered subscriber URLs.
// Delivery is fire-and-forget and failures never propagate back into the
// settlement path — a subscriber's endpoint being down must never affect a
// payment outcome.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"x402facilitator/internal/store"
)

const deliveryTimeout = 10 * time.Second

// Event names emitted on the settlement lifecycle.
const (
	EventSettlementSuccess = "settlement.success"
	EventSettlementFailed  = "settlement.failed"
)

// Subscription is a registered webhook target.
type Subscription struct {
	ID        string
	URL       string
	Secret    string
	Events    []string
	Active    bool
	CreatedAt time.Time
}

// Data is the payload body's "data" object for a settlement event.
type Data struct {
	TransactionID string  `json:"transactionId"`
	TxHash        *string `json:"txHash,omitempty"`
	Payer         string  `json:"payer"`
	Receiver      string  `json:"receiver"`
	Token         string  `json:"token"`
	Amount        string  `json:"amount"`
	Fee           string  `json:"fee"`
	Network       string  `json:"network"`
	Status        string  `json:"status"`
	ErrorReason   *string `json:"errorReason,omitempty"`
}

type envelope struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      Data   `json:"data"`
}

// Registry persists webhook subscriptions.
type Registry struct {
	db *store.Store
}

// NewRegistry wraps a store for subscription CRUD.
func NewRegistry(db *store.Store) *Registry {
	return &Registry{db: db}
}

// Register inserts a new active subscription and returns its id.
func (r *Registry) Register(ctx context.Context, url, secret string, events []string) (*Subscription, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, true, now())
		RETURNING created_at`
	row := r.db.QueryRow(ctx, q, id, url, secret, events)
	sub := &Subscription{ID: id, URL: url, Secret: secret, Events: events, Active: true}
	if err := row.Scan(&sub.CreatedAt); err != nil {
		return nil, fmt.Errorf("webhook: register: %w", err)
	}
	return sub, nil
}

// List returns every subscription, active or not.
func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	const q = `SELECT id, url, secret, events, active, created_at FROM webhooks ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("webhook: list: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &s.Events, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("webhook: scan: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Deactivate flips a subscription's active flag off; it is never deleted so
// delivery history and secrets remain auditable.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	const q = `UPDATE webhooks SET active = false WHERE id = $1`
	res, err := r.db.ExecResult(ctx, q, id)
	if err != nil {
		return fmt.Errorf("webhook: deactivate: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("webhook: subscription %s not found", id)
	}
	return nil
}

// active returns only the subscriptions listening for the given event.
func (r *Registry) active(ctx context.Context, event string) ([]Subscription, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Subscription
	for _, s := range all {
		if !s.Active {
			continue
		}
		for _, e := range s.Events {
			if e == event || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// Dispatcher delivers events to subscribers over HTTP, signing each body
// with the subscriber's registered secret when one is set.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
}

// NewDispatcher builds a dispatcher with a dedicated per-request timeout
// client, independent of any caller-supplied context deadline.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: deliveryTimeout},
	}
}

// Emit fans an event out to every active subscriber, each delivery in its
// own goroutine. The subscriber lookup runs on the caller's goroutine; no
// delivery waits on it afterwards and no delivery error is returned — the
// settlement path does not fail on a subscriber's behalf.
func (d *Dispatcher) Emit(ctx context.Context, event string, data Data, now time.Time) {
	subs, err := d.registry.active(ctx, event)
	if err != nil {
		slog.Error("webhook: list subscribers failed", "event", event, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(envelope{Event: event, Timestamp: now.Unix(), Data: data})
	if err != nil {
		slog.Error("webhook: marshal envelope failed", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		go d.deliver(sub, event, now, body)
	}
}

func (d *Dispatcher) deliver(sub Subscription, event string, now time.Time, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: build request failed", "subscription_id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", now.Unix()))
	if strings.TrimSpace(sub.Secret) != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("webhook: delivery failed", "subscription_id", sub.ID, "url", sub.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("webhook: subscriber returned non-2xx", "subscription_id", sub.ID, "status", resp.StatusCode)
	}
}

// sign returns the hex-encoded HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
