package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/log"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBatch   = 100
)

// EventSource is the slice of the store the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher forwards lifecycle events to configured webhooks. Each hook
// keeps its own cursor, starting at the newest event when the dispatcher
// first sees it. A failed delivery stops that hook's batch and is retried on
// the next pass.
type Dispatcher struct {
	source EventSource
	hooks  []config.WebhookConfig
	client *resty.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(source EventSource, hooks []config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		source:  source,
		hooks:   hooks,
		client:  resty.New().SetTimeout(defaultWebhookTimeout),
		cursors: make(map[int]int64),
	}
}

// Enabled reports whether any hook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, hook := range d.hooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.hooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	ctx = log.WithLogField(ctx, "webhook", hook.URL)
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		log.L(ctx).Warnf("webhook cursor init failed: %v", err)
		return
	}
	events, err := d.source.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.L(ctx).Warnf("webhook fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				log.L(ctx).Warnf("webhook delivery of event %d failed: %v", evt.ID, err)
				return
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// SetCursor positions hook idx so delivery resumes after event id.
func (d *Dispatcher) SetCursor(idx int, id int64) {
	d.setCursor(idx, id)
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Signature is the hex HMAC-SHA256 of body under secret, sent as
// X-Harvestline-Signature.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Harvestline-Event", evt.Type).
		SetHeader("X-Harvestline-Delivery", strconv.FormatInt(evt.ID, 10)).
		SetBody(body)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.SetHeader("X-Harvestline-Signature", Signature(secret, body))
	}
	res, err := req.Post(hook.URL)
	if err != nil {
		return err
	}
	if res.IsError() {
		msg := res.String()
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("status %d: %s", res.StatusCode(), strings.TrimSpace(msg))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types and "prefix.*" families; no entries
// match everything.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
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
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
