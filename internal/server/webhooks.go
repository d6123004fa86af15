package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabline/internal/config"
	"collabline/internal/domain"
	"collabline/internal/engine"
	"collabline/internal/metrics"
	"collabline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher tails the event log and POSTs matching events to the
// configured URLs. Each hook keeps its own cursor and starts at the newest
// event present when it is first polled.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      zerolog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]repo.EventCursor
}

func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, log zerolog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.With().Str("component", "webhooks").Logger(),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]repo.EventCursor),
	}
}

// StartWebhookDispatcher polls in the background until ctx is cancelled.
// It returns nil when no hook is enabled.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, log zerolog.Logger) *WebhookDispatcher {
	enabled := 0
	for _, hook := range hooks {
		if hookEnabled(hook) {
			enabled++
		}
	}
	if enabled == 0 {
		return nil
	}
	d := NewWebhookDispatcher(e, hooks, log)
	go d.run(ctx)
	return d
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
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
	for i, hook := range d.webhooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilters{})
	if err != nil {
		d.log.Error().Err(err).Msg("fetch events")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		next := repo.EventCursor{TS: evt.TS, ID: evt.ID}
		if !filter.match(evt.Type) {
			d.setCursor(idx, next)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			metrics.RecordWebhookDelivery("error")
			d.log.Warn().Err(err).Str("url", hook.URL).Str("event_id", evt.ID).Msg("deliver webhook")
			return
		}
		metrics.RecordWebhookDelivery("ok")
		d.setCursor(idx, next)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) repo.EventCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventCursor(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("init cursor")
		cur = repo.EventCursor{}
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value repo.EventCursor) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Collabline-Event", evt.Type)
	req.Header.Set("X-Collabline-Delivery", evt.ID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Collabline-Signature", "sha256="+signPayload(secret, data))
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

// signPayload returns the hex HMAC-SHA256 of body keyed by secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
	_, ok := f.set[evt]
	return ok
}
