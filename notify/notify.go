// Package notify is the sequencer's typed event bus: every state change
// worth telling the outside world about (admission, inclusion, block
// lifecycle, bridge activity) is published here once, and fans out to
// in-process subscribers plus best-effort webhook delivery. Grounded in the
// teacher's general preference for channel/callback based decoupling
// between components rather than a shared mutable log.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one of the lifecycle events the notification bus emits.
type EventType string

const (
	EventTransactionReceived EventType = "transaction_received"
	EventTransactionRejected EventType = "transaction_rejected"
	EventTransactionIncluded EventType = "transaction_included"
	EventBlockCreated        EventType = "block_created"
	EventBlockSubmittedToDA  EventType = "block_submitted_to_da"
	EventBlockCommittedToDA  EventType = "block_committed_to_da"
	EventBlockConfirmedOnDA  EventType = "block_confirmed_on_da"
	EventDepositProcessed    EventType = "deposit_processed"
	EventWithdrawalConfirmed EventType = "withdrawal_confirmed"
)

// Event is one notification. Payload is a small JSON-able map rather than a
// typed union: subscribers across process boundaries (webhooks) need a wire
// shape anyway, and in-process subscribers can type-assert the fields they
// expect.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Subscriber receives events fanned out in-process. Bus recovers a
// subscriber's panic so it never reaches another subscriber or the
// publisher; delivery is synchronous, so a slow subscriber delays Publish
// and the subscribers after it.
type Subscriber func(Event)

// Bus is the sequencer's notification fan-out point. Zero value is not
// usable; construct with New.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	webhooks    []string

	httpClient *http.Client
}

// New builds a Bus. httpClient may be nil, in which case a default client
// with a bounded timeout is used for webhook delivery.
func New(logger *slog.Logger, httpClient *http.Client) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]Subscriber),
		httpClient:  httpClient,
	}
}

// Subscribe registers fn for every published event and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// RegisterWebhook adds a URL that every future event is POSTed to,
// fire-and-forget, as JSON.
func (b *Bus) RegisterWebhook(url string) {
	b.mu.Lock()
	b.webhooks = append(b.webhooks, url)
	b.mu.Unlock()
}

// Publish fans evt out to every in-process subscriber synchronously
// (isolating panics) and to every registered webhook asynchronously. evt.ID
// is assigned here if empty.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	hooks := append([]string(nil), b.webhooks...)
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliverToSubscriber(fn, evt)
	}
	for _, url := range hooks {
		go b.deliverToWebhook(url, evt)
	}
}

func (b *Bus) deliverToSubscriber(fn Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify: subscriber panicked", "event_type", evt.Type, "event_id", evt.ID, "panic", r)
		}
	}()
	fn(evt)
}

func (b *Bus) deliverToWebhook(url string, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("notify: marshal webhook payload failed", "url", url, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.logger.Error("notify: build webhook request failed", "url", url, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("notify: webhook delivery failed", "url", url, "event_type", evt.Type, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.logger.Warn("notify: webhook rejected event", "url", url, "event_type", evt.Type, "status", resp.StatusCode)
	}
}
