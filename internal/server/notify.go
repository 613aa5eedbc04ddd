package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"rosterline/internal/config"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifier tails the activity ledger and posts matching entries to the
// configured webhook endpoints. Delivery is at-least-once per endpoint; a
// failed POST leaves the cursor in place so the entry is retried next tick.
type notifier struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	n := &notifier{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultNotifyTimeout},
		cursors:  make(map[int]int64),
	}
	go n.run()
}

func (n *notifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		<-ticker.C
	}
}

func (n *notifier) dispatchAll() {
	for i, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatch(i, hook)
	}
}

func (n *notifier) dispatch(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Repo.ActivityAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch activity failed: %v", err)
		return
	}
	filter := newActivityFilter(hook.Events)
	for _, evt := range entries {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.post(ctx, hook, evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

// cursorFor starts at the ledger tip so a fresh endpoint only sees new
// entries, never the full history.
func (n *notifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestActivityID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifyPayload struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *notifier) post(ctx context.Context, hook config.WebhookConfig, evt domain.ActivityEvent) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := notifyPayload{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rosterline-Event", evt.Type)
	req.Header.Set("X-Rosterline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Rosterline-Secret", hook.Secret)
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

type activityFilter struct {
	all bool
	set map[string]struct{}
}

func newActivityFilter(events []string) activityFilter {
	if len(events) == 0 {
		return activityFilter{all: true}
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
		return activityFilter{all: true}
	}
	return activityFilter{set: set}
}

func (f activityFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
