package driftguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names what happened.
type EventKind string

const (
	EventCampaignConfirmed EventKind = "campaign_confirmed"
	EventIdentityBlocked   EventKind = "identity_blocked"
)

// Event is the payload handed to notification senders.
type Event struct {
	Kind     EventKind `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Combined float64   `json:"combined,omitempty"`
	Campaign *Campaign `json:"campaign,omitempty"`
	At       time.Time `json:"at"`
}

// NotificationSender delivers one event over one channel.
type NotificationSender interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// NotificationRegistry fans events out to registered senders. Delivery is
// asynchronous and best-effort; a slow webhook must never stall the
// evaluation cycle.
type NotificationRegistry struct {
	mu      sync.RWMutex
	senders map[string]NotificationSender
	logger  *zap.Logger
}

func NewNotificationRegistry(logger *zap.Logger) *NotificationRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationRegistry{
		senders: make(map[string]NotificationSender),
		logger:  logger,
	}
}

// Register adds a sender, replacing any previous sender with the same name.
func (nr *NotificationRegistry) Register(sender NotificationSender) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.senders[sender.Name()] = sender
}

// Notify dispatches the event to every registered sender in the background.
func (nr *NotificationRegistry) Notify(event Event) {
	nr.mu.RLock()
	senders := make([]NotificationSender, 0, len(nr.senders))
	for _, s := range nr.senders {
		senders = append(senders, s)
	}
	nr.mu.RUnlock()

	for _, sender := range senders {
		go func(s NotificationSender) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.Send(ctx, event); err != nil {
				nr.logger.Warn("notification delivery failed",
					zap.String("sender", s.Name()),
					zap.String("kind", string(event.Kind)),
					zap.Error(err),
				)
			}
		}(sender)
	}
}

// LogSender writes events to the structured log.
type LogSender struct {
	Logger *zap.Logger
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.Time("at", event.At),
	}
	if event.Identity != "" {
		fields = append(fields, zap.String("identity", event.Identity), zap.Float64("combined", event.Combined))
	}
	if event.Campaign != nil {
		fields = append(fields,
			zap.String("campaign", event.Campaign.ID),
			zap.Int("members", len(event.Campaign.Members)),
			zap.Float64("cohesion", event.Campaign.Cohesion),
		)
	}
	s.Logger.Warn("security event", fields...)
	return nil
}

// WebhookSender POSTs the event as JSON to a fixed URL.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DriftGuard-Notification/1.0")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx status %d", resp.StatusCode)
	}
	return nil
}

// SlackSender posts a compact alert to a Slack incoming webhook.
type SlackSender struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, event Event) error {
	var text string
	switch event.Kind {
	case EventCampaignConfirmed:
		text = fmt.Sprintf(":rotating_light: Campaign %s confirmed with %d coordinated identities (cohesion %.2f)",
			event.Campaign.ID, len(event.Campaign.Members), event.Campaign.Cohesion)
	case EventIdentityBlocked:
		text = fmt.Sprintf(":no_entry: Identity %s blocked, combined score %.2f", event.Identity, event.Combined)
	default:
		text = fmt.Sprintf("Security event: %s", event.Kind)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("slack: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: non-2xx status %d", resp.StatusCode)
	}
	return nil
}
