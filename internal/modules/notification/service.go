// README: Notification service persists notifications, then fans out and pushes best-effort.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch/internal/metrics"
	"dispatch/internal/realtime"
	"dispatch/internal/types"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalidInput = errors.New("invalid notification request")
	// ErrNotificationDispatch wraps persistence failures. Callers log it and carry on:
	// a lost notification never fails the operation that produced it.
	ErrNotificationDispatch = errors.New("notification dispatch failed")
)

const defaultListLimit = 50

type NotificationStore interface {
	Insert(ctx context.Context, n *Notification) error
	List(ctx context.Context, userID types.ID, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, userID types.ID) error
	MarkAllRead(ctx context.Context, userID types.ID) (int64, error)
	UpsertDevice(ctx context.Context, d Device) error
}

// PushQueue is satisfied by *PushDispatcher.
type PushQueue interface {
	Enqueue(userIDs []types.ID, msg PushMessage) bool
}

type Service struct {
	store   NotificationStore
	events  realtime.Publisher
	push    PushQueue
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires the dispatcher. push may be nil when FCM is not configured.
func NewService(store NotificationStore, events realtime.Publisher, push PushQueue, logger *zap.Logger, m *metrics.Metrics) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Service{store: store, events: events, push: push, logger: logger, metrics: m, now: time.Now}
}

// Notify persists one notification for userID, then emits it over the
// realtime channel and queues a mobile push.
func (s *Service) Notify(ctx context.Context, userID types.ID, p Payload) (*Notification, error) {
	if userID == "" || p == nil {
		return nil, ErrInvalidInput
	}
	n := &Notification{
		ID:        types.ID(uuid.NewString()),
		UserID:    userID,
		Type:      p.Kind(),
		Title:     p.Title(),
		Message:   p.Message(),
		Data:      p,
		CreatedAt: s.now(),
	}
	if o := p.Order(); o != "" {
		n.OrderID = &o
	}
	if err := s.store.Insert(ctx, n); err != nil {
		s.metrics.Notification(string(n.Type), "failed")
		return nil, fmt.Errorf("%w: %s for %s: %v", ErrNotificationDispatch, n.Type, userID, err)
	}
	s.metrics.Notification(string(n.Type), "stored")

	s.events.Publish(ctx, realtime.Event{
		Type:      realtime.EventNotification,
		OrderID:   p.Order(),
		Data:      n,
		Timestamp: n.CreatedAt,
		Audience:  []realtime.Recipient{{UserID: userID}},
	})
	if s.push != nil {
		s.push.Enqueue([]types.ID{userID}, PushMessage{
			Title: n.Title,
			Body:  n.Message,
			Data: map[string]string{
				"type":           string(n.Type),
				"notificationId": string(n.ID),
				"orderId":        string(p.Order()),
			},
		})
	}
	return n, nil
}

// NotifyAll sends p to every user, logging failures, and returns how many were stored.
func (s *Service) NotifyAll(ctx context.Context, userIDs []types.ID, p Payload) int {
	sent := 0
	for _, id := range userIDs {
		if _, err := s.Notify(ctx, id, p); err != nil {
			s.logger.Warn("notify", zap.String("user_id", string(id)), zap.String("type", string(p.Kind())), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (s *Service) List(ctx context.Context, userID types.ID, unreadOnly bool) ([]Notification, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.List(ctx, userID, unreadOnly, defaultListLimit)
}

func (s *Service) MarkRead(ctx context.Context, id, userID types.ID) error {
	if id == "" || userID == "" {
		return ErrInvalidInput
	}
	return s.store.MarkRead(ctx, id, userID)
}

func (s *Service) MarkAllRead(ctx context.Context, userID types.ID) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidInput
	}
	return s.store.MarkAllRead(ctx, userID)
}

func (s *Service) RegisterDevice(ctx context.Context, userID types.ID, token, platform string) error {
	token = strings.TrimSpace(token)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if userID == "" || token == "" {
		return ErrInvalidInput
	}
	switch platform {
	case "":
		platform = "android"
	case "android", "ios", "web":
	default:
		return ErrInvalidInput
	}
	return s.store.UpsertDevice(ctx, Device{UserID: userID, Token: token, Platform: platform, UpdatedAt: s.now()})
}
