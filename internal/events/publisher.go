package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stageline/internal/domain"
)

// Publisher delivers one governance event to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
	Close() error
}

// Message is the wire form of an event on every transport.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func NewMessage(evt domain.Event) Message {
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    evt.DecodedPayload(),
	}
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs each event as JSON to a fixed URL.
type WebhookPublisher struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookPublisher(url, secret string) *WebhookPublisher {
	return &WebhookPublisher{URL: url, Secret: secret, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", evt.Type)
	req.Header.Set("X-Stageline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Stageline-Project", evt.ProjectID)
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", p.Secret)
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
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

func (p *WebhookPublisher) Close() error { return nil }

// Filter matches event types; an empty filter matches everything.
type Filter struct {
	all bool
	set map[string]struct{}
}

func NewFilter(types []string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return Filter{all: true}
	}
	return Filter{set: set}
}

func (f Filter) Match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}
