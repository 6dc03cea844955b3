// Package notify defines the notification sink collaborator seam:
// health-state and circuit-breaker transitions are funneled through it
// without the core ever blocking on delivery.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobalance/corelb/internal/logging"
)

// Kind distinguishes the two transition families the core emits.
type Kind string

const (
	KindHealth         Kind = "health"
	KindCircuitBreaker Kind = "circuit_breaker"
)

// Event is one notification payload.
type Event struct {
	Service   string    `json:"service"`
	BackendID string    `json:"backend_id"`
	Kind      Kind      `json:"kind"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Sink is the out-of-core collaborator notified on transitions.
type Sink interface {
	Notify(e Event)
}

// NoOp discards every event; the default when NOTIFICATION_WEBHOOK_URL
// is unset.
type NoOp struct{}

func (NoOp) Notify(Event) {}

// Webhook POSTs each event as JSON to a configured URL on its own
// goroutine so health transitions never block on delivery.
type Webhook struct {
	URL    string
	Client *http.Client
	Logger *logging.Logger
}

// NewWebhook creates a Webhook sink.
func NewWebhook(url string, logger *logging.Logger) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
		Logger: logger,
	}
}

func (w *Webhook) Notify(e Event) {
	go func() {
		body, err := json.Marshal(e)
		if err != nil {
			return
		}
		resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			if w.Logger != nil {
				w.Logger.Warn("notification_delivery_failed", "url", w.URL, "error", err.Error())
			}
			return
		}
		resp.Body.Close()
	}()
}
