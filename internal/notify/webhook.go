package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/dopejs/bgproxy/internal/proxy"
)

// WebhookPayload is the generic payload sent to webhooks.
type WebhookPayload struct {
	Event     config.WebhookEvent `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Data      interface{}         `json:"data"`
}

// BackendEventData contains data for backend_down and backend_up events.
type BackendEventData struct {
	Pool     string `json:"pool"`
	Backend  string `json:"backend"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Failures int    `json:"failures,omitempty"`
}

// FailoverEventData contains data for failover events.
type FailoverEventData struct {
	Pool        string `json:"pool"`
	FromBackend string `json:"from_backend"`
	ToBackend   string `json:"to_backend"`
	Reason      string `json:"reason,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// ExhaustedEventData contains data for exhausted events.
type ExhaustedEventData struct {
	Pool      string `json:"pool"`
	LastTried string `json:"last_tried,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WebhookDispatcher sends notifications to configured webhooks.
type WebhookDispatcher struct {
	webhooks []*config.WebhookConfig
	client   *http.Client
	logger   *log.Logger

	wg sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher for the given webhooks.
func NewWebhookDispatcher(webhooks []*config.WebhookConfig, logger *log.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		webhooks: webhooks,
		logger:   logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Follow forwards pool events from bus to the webhooks until ctx is done.
// It returns once the subscription is closed and in-flight sends finish.
func (d *WebhookDispatcher) Follow(ctx context.Context, bus *proxy.EventBus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case e, ok := <-ch:
			if !ok {
				d.wg.Wait()
				return
			}
			d.HandleEvent(e)
		}
	}
}

// HandleEvent maps a pool event to a webhook event and dispatches it.
// Events without a webhook counterpart are ignored.
func (d *WebhookDispatcher) HandleEvent(e proxy.Event) {
	switch e.Type {
	case proxy.EventBackendDown:
		d.Dispatch(config.WebhookEventBackendDown, &BackendEventData{
			Pool: e.Pool, Backend: e.Backend, Status: "down", Reason: e.Reason, Failures: e.Failures,
		})
	case proxy.EventBackendUp:
		d.Dispatch(config.WebhookEventBackendUp, &BackendEventData{
			Pool: e.Pool, Backend: e.Backend, Status: "healthy",
		})
	case proxy.EventFailover:
		d.Dispatch(config.WebhookEventFailover, &FailoverEventData{
			Pool: e.Pool, FromBackend: e.Backend, ToBackend: e.Next, Reason: e.Reason, RequestID: e.RequestID,
		})
	case proxy.EventExhausted:
		d.Dispatch(config.WebhookEventExhausted, &ExhaustedEventData{
			Pool: e.Pool, LastTried: e.Backend, Reason: e.Reason, RequestID: e.RequestID,
		})
	}
}

// Dispatch sends an event to all matching webhooks.
func (d *WebhookDispatcher) Dispatch(event config.WebhookEvent, data interface{}) {
	payload := WebhookPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, wh := range d.webhooks {
		if wh == nil || !wh.Enabled || !matchesEvent(wh, event) {
			continue
		}
		d.wg.Add(1)
		go func(wh *config.WebhookConfig) {
			defer d.wg.Done()
			if err := d.send(wh, payload); err != nil && d.logger != nil {
				d.logger.Printf("webhook %s: %v", wh.Name, err)
			}
		}(wh)
	}
}

// Wait blocks until in-flight sends finish.
func (d *WebhookDispatcher) Wait() { d.wg.Wait() }

func matchesEvent(wh *config.WebhookConfig, event config.WebhookEvent) bool {
	for _, e := range wh.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (d *WebhookDispatcher) send(wh *config.WebhookConfig, payload WebhookPayload) error {
	// Detect webhook type from URL and format accordingly
	var body []byte
	switch {
	case strings.Contains(wh.URL, "slack.com"):
		body = d.formatSlack(payload)
	case strings.Contains(wh.URL, "discord.com"):
		body = d.formatDiscord(payload)
	default:
		body = d.formatGeneric(payload)
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bgproxy-webhook/1.0")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// formatSlack formats the payload for Slack webhooks.
func (d *WebhookDispatcher) formatSlack(payload WebhookPayload) []byte {
	text := formatMessage(payload)
	msg := map[string]interface{}{
		"text": text,
		"blocks": []map[string]interface{}{
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

// formatDiscord formats the payload for Discord webhooks.
func (d *WebhookDispatcher) formatDiscord(payload WebhookPayload) []byte {
	text := formatMessage(payload)
	msg := map[string]interface{}{
		"content": text,
		"embeds": []map[string]interface{}{
			{
				"title":       string(payload.Event),
				"description": text,
				"timestamp":   payload.Timestamp.Format(time.RFC3339),
				"color":       colorForEvent(payload.Event),
			},
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

func (d *WebhookDispatcher) formatGeneric(payload WebhookPayload) []byte {
	data, _ := json.Marshal(payload)
	return data
}

// formatMessage creates a human-readable message for the event.
func formatMessage(payload WebhookPayload) string {
	switch data := payload.Data.(type) {
	case *BackendEventData:
		if payload.Event == config.WebhookEventBackendDown {
			return fmt.Sprintf("🔴 Backend Down: %s/%s after %d failure(s) (%s)",
				data.Pool, data.Backend, data.Failures, data.Reason)
		}
		return fmt.Sprintf("🟢 Backend Up: %s/%s is serving again", data.Pool, data.Backend)
	case *FailoverEventData:
		return fmt.Sprintf("🔄 Failover: %s switched from %s to %s", data.Pool, data.FromBackend, data.ToBackend)
	case *ExhaustedEventData:
		return fmt.Sprintf("🚫 Pool Exhausted: %s has no backend left for request %s", data.Pool, data.RequestID)
	}
	return fmt.Sprintf("bgproxy event: %s", payload.Event)
}

// colorForEvent returns a Discord embed color for the event type.
func colorForEvent(event config.WebhookEvent) int {
	switch event {
	case config.WebhookEventBackendDown, config.WebhookEventExhausted:
		return 0xFB7185 // Red
	case config.WebhookEventBackendUp:
		return 0x86EFAC // Green
	case config.WebhookEventFailover:
		return 0xC4B5FD // Lavender
	default:
		return 0x93C5FD // Blue
	}
}

// TestWebhook sends a test message to a webhook.
func (d *WebhookDispatcher) TestWebhook(wh *config.WebhookConfig) error {
	return d.send(wh, WebhookPayload{
		Event:     "test",
		Timestamp: time.Now().UTC(),
		Data: map[string]string{
			"message": "This is a test notification from bgproxy",
		},
	})
}
