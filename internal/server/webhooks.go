package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"changeline/internal/config"
	"changeline/internal/domain"
	"changeline/internal/engine"
	"changeline/internal/repo"
)

const (
	defaultEmitInterval    = 2 * time.Second
	defaultEmitTimeout     = 5 * time.Second
	defaultEmitBatch       = 100
	defaultEmitAttempts    = 3
	defaultEmitBackoffBase = time.Second
)

// Emitter delivers propagation events to configured endpoints. Each
// (endpoint, event) pair gets a durable delivery row: attempts and
// backoff survive restarts, and an exhausted delivery is marked failed
// and left visible rather than dropped. The emitter runs behind the
// pipeline; a slow or dead endpoint never blocks the mutation that
// produced the event.
type Emitter struct {
	Engine      engine.Engine
	Project     string
	Hooks       []config.WebhookConfig
	Client      *http.Client
	Now         func() time.Time
	Interval    time.Duration
	BackoffBase time.Duration
	FromStart   bool
	Logger      *log.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// StartEmitter launches the background emitter if any endpoints are
// configured.
func StartEmitter(e engine.Engine) *Emitter {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	projectID := e.Config.Project.ID
	if strings.TrimSpace(projectID) == "" {
		return nil
	}
	m := NewEmitter(e, projectID, e.Config.Webhooks)
	go m.Run(context.Background())
	return m
}

func NewEmitter(e engine.Engine, projectID string, hooks []config.WebhookConfig) *Emitter {
	return &Emitter{
		Engine:  e,
		Project: projectID,
		Hooks:   hooks,
		Client:  &http.Client{Timeout: defaultEmitTimeout},
		cursors: make(map[int]int64),
	}
}

func (m *Emitter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Emitter) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

func (m *Emitter) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultEmitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled endpoint.
func (m *Emitter) DispatchAll(ctx context.Context) {
	for i, hook := range m.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		m.dispatchHook(ctx, i, hook)
	}
}

func (m *Emitter) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := m.cursorFor(ctx, idx)
	events, err := m.Engine.Repo.EventsAfter(ctx, defaultEmitBatch, cursor, m.Project)
	if err != nil {
		m.logger().Printf("emitter: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			m.setCursor(idx, evt.ID)
			continue
		}
		done, err := m.processEvent(ctx, hook, evt)
		if err != nil {
			m.logger().Printf("emitter: deliver event %d to %s: %v", evt.ID, hook.URL, err)
		}
		if !done {
			// delivery still pending; keep per-endpoint order and
			// come back on the next pass
			return
		}
		m.setCursor(idx, evt.ID)
	}
}

// processEvent drives one event one step through its delivery state.
// It returns true when the event is settled for this endpoint, either
// delivered or failed beyond the attempt bound.
func (m *Emitter) processEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) (bool, error) {
	now := m.now().UTC()
	d, err := m.Engine.Repo.GetDelivery(ctx, hook.URL, evt.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			// transient read failure; a settled row may exist, so do
			// not upsert a fresh one over it
			return false, err
		}
		d = domain.Delivery{
			ID:       uuid.NewString(),
			Endpoint: hook.URL,
			EventID:  evt.ID,
			Status:   domain.DeliveryPending,
		}
	}
	switch d.Status {
	case domain.DeliveryDelivered, domain.DeliveryFailed:
		return true, nil
	}
	if d.NextAttemptAt != "" {
		due, err := time.Parse(time.RFC3339, d.NextAttemptAt)
		if err == nil && now.Before(due) {
			return false, nil
		}
	}

	maxAttempts := hook.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultEmitAttempts
	}
	postErr := m.postEvent(ctx, hook, evt)
	d.Attempts++
	d.UpdatedAt = now.Format(time.RFC3339)
	if postErr == nil {
		d.Status = domain.DeliveryDelivered
		d.LastError = ""
		d.NextAttemptAt = ""
		return true, m.Engine.Repo.UpsertDelivery(ctx, d)
	}
	d.LastError = postErr.Error()
	if d.Attempts >= maxAttempts {
		d.Status = domain.DeliveryFailed
		d.NextAttemptAt = ""
		if err := m.Engine.Repo.UpsertDelivery(ctx, d); err != nil {
			return true, err
		}
		return true, fmt.Errorf("gave up after %d attempts: %w", d.Attempts, postErr)
	}
	d.NextAttemptAt = now.Add(m.backoff(d.Attempts)).Format(time.RFC3339)
	if err := m.Engine.Repo.UpsertDelivery(ctx, d); err != nil {
		return false, err
	}
	return false, postErr
}

// Redeliver resets a failed delivery and attempts it again right away.
// The endpoint must still be configured; the event cursor has already
// moved past the event, so this is the only path that revisits it.
func (m *Emitter) Redeliver(ctx context.Context, endpoint string, eventID int64) error {
	var hook config.WebhookConfig
	found := false
	for _, h := range m.Hooks {
		if h.URL == endpoint {
			hook, found = h, true
			break
		}
	}
	if !found {
		return fmt.Errorf("no configured webhook for endpoint %s", endpoint)
	}
	d, err := m.Engine.Repo.GetDelivery(ctx, endpoint, eventID)
	if err != nil {
		return err
	}
	if d.Status != domain.DeliveryFailed {
		return fmt.Errorf("delivery is %s; only failed deliveries can be retried", d.Status)
	}
	maxAttempts := hook.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultEmitAttempts
	}
	// one more attempt only; the next failure re-marks it failed
	d.Status = domain.DeliveryPending
	d.Attempts = maxAttempts - 1
	d.LastError = ""
	d.NextAttemptAt = ""
	d.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.Engine.Repo.UpsertDelivery(ctx, d); err != nil {
		return err
	}
	events, err := m.Engine.Repo.EventsAfter(ctx, 1, eventID-1, "")
	if err != nil {
		return err
	}
	if len(events) == 0 || events[0].ID != eventID {
		return fmt.Errorf("event %d not found", eventID)
	}
	if _, err := m.processEvent(ctx, hook, events[0]); err != nil {
		return err
	}
	return nil
}

func (m *Emitter) backoff(attempts int) time.Duration {
	base := m.BackoffBase
	if base <= 0 {
		base = defaultEmitBackoffBase
	}
	return base << (attempts - 1)
}

func (m *Emitter) cursorFor(ctx context.Context, idx int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[idx]; ok {
		return cur
	}
	var cur int64
	if !m.FromStart {
		var err error
		cur, err = m.Engine.Repo.LatestEventID(ctx, m.Project)
		if err != nil {
			m.logger().Printf("emitter: init cursor failed: %v", err)
			cur = 0
		}
	}
	m.cursors[idx] = cur
	return cur
}

func (m *Emitter) setCursor(idx int, value int64) {
	m.mu.Lock()
	m.cursors[idx] = value
	m.mu.Unlock()
}

// webhookEvent is the outbound payload shape.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	OldStatus  string          `json:"old_status,omitempty"`
	NewStatus  string          `json:"new_status,omitempty"`
	ActorID    string          `json:"actor_id"`
	Source     string          `json:"source"`
	TS         string          `json:"ts"`
	DeletedAt  *string         `json:"deleted_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (m *Emitter) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		OldStatus:  evt.OldStatus,
		NewStatus:  evt.NewStatus,
		ActorID:    evt.ActorID,
		Source:     evt.Source,
		TS:         evt.TS,
		DeletedAt:  evt.DeletedAt,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultEmitTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	} else if timeout != client.Timeout {
		client = &http.Client{Timeout: timeout, Transport: m.Client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Changeline-Event", evt.Type)
	req.Header.Set("X-Changeline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Changeline-Project", m.Project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Changeline-Secret", hook.Secret)
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
