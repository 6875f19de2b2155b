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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"memevault/internal/config"
	"memevault/internal/domain"
	"memevault/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards new lifecycle events to the configured hooks,
// oldest first. A hook that fails keeps its cursor and is retried next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Log      zerolog.Logger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when no hook is configured.
func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log zerolog.Logger) *WebhookDispatcher {
	if len(hooks) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		Repo:     r,
		Webhooks: hooks,
		Log:      log.With().Str("component", "webhooks").Logger(),
		Interval: defaultWebhookInterval,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
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
	log := d.Log.With().Str("url", hook.URL).Logger()
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Repo.ListEvents(ctx, repo.EventFilters{AfterID: cursor, Ascending: true, Limit: defaultWebhookBatch})
	if err != nil {
		log.Warn().Err(err).Msg("fetch events failed")
		return
	}
	for _, evt := range events {
		if !wantsEvent(hook.Events, evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Warn().Err(err).Int64("event_id", evt.ID).Msg("deliver event failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a hook at the current end of the log so a restart does
// not replay history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LastEventID(ctx)
	if err != nil {
		d.Log.Warn().Err(err).Msg("init cursor failed")
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

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage(evt.Payload)
	if evt.Payload == "" {
		payload = json.RawMessage("{}")
	} else if !json.Valid(payload) {
		payload, _ = json.Marshal(map[string]string{"raw": evt.Payload})
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// signPayload returns the X-Memevault-Signature value for body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	client := d.client
	if hook.Timeout > 0 {
		client = &http.Client{Timeout: hook.Timeout}
	} else if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Memevault-Event", evt.Type)
	req.Header.Set("X-Memevault-Delivery", strconv.FormatInt(evt.ID, 10))
	if hook.Secret != "" {
		req.Header.Set("X-Memevault-Signature", signPayload(hook.Secret, body))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// wantsEvent matches an event type against a hook's list. Entries ending in
// ".*" match a whole family such as "payout.*"; an empty list matches all.
func wantsEvent(patterns []string, eventType string) bool {
	matched := true
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		matched = false
		if p == eventType || (strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*"))) {
			return true
		}
	}
	return matched
}
