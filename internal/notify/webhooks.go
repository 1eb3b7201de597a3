package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"actiongate/internal/config"
	"actiongate/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource is the slice of the repo the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, tenantID string) (int64, error)
}

// WebhookDispatcher polls the events table and POSTs new lifecycle events to
// each configured hook. Each hook keeps its own cursor and starts at the
// newest event, so only events after startup are delivered.
type WebhookDispatcher struct {
	Source   EventSource
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(src EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Source:   src,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		Interval: defaultWebhookInterval,
		cursors:  map[int]int64{},
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// retried from the same cursor next tick
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[int]int64{}
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx, "")
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Message is the JSON body shared by webhook and NATS deliveries.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenantId"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId,omitempty"`
	Actor      string          `json:"actor"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newMessage(evt domain.Event) Message {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Actor:      evt.Actor,
		TS:         evt.TS,
		Payload:    payload,
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(newMessage(evt))
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actiongate-Event", evt.Type)
	req.Header.Set("X-Actiongate-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Actiongate-Tenant", evt.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Actiongate-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types; a trailing ".*" matches a prefix.
func newEventFilter(evts []string) eventFilter {
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if prefix, ok := strings.CutSuffix(key, ".*"); ok && strings.HasPrefix(evt, prefix+".") {
			return true
		}
	}
	return false
}
