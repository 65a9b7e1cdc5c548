// README: Mobile push over FCM, drained by a bounded background worker pool.
package notification

import (
	"context"
	"sync"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"dispatch/internal/metrics"
	"dispatch/internal/types"
)

type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// Pusher sends one message to many device tokens and reports tokens the
// provider says are no longer registered.
type Pusher interface {
	Send(ctx context.Context, tokens []string, msg PushMessage) (invalid []string, err error)
}

// FCMPusher is the production Pusher backed by Firebase Cloud Messaging.
type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

func (p *FCMPusher) Send(ctx context.Context, tokens []string, msg PushMessage) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	resp, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		return nil, err
	}
	var invalid []string
	for i, r := range resp.Responses {
		if r.Error != nil && messaging.IsUnregistered(r.Error) {
			invalid = append(invalid, tokens[i])
		}
	}
	return invalid, nil
}

type DeviceStore interface {
	DeviceTokens(ctx context.Context, userIDs []types.ID) ([]string, error)
	DeleteDeviceTokens(ctx context.Context, tokens []string) error
}

type pushJob struct {
	userIDs []types.ID
	msg     PushMessage
}

// PushDispatcher queues pushes so callers never wait on the provider.
type PushDispatcher struct {
	devices DeviceStore
	pusher  Pusher
	jobs    chan pushJob
	workers int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPushDispatcher(devices DeviceStore, pusher Pusher, queueSize, workers int, logger *zap.Logger, m *metrics.Metrics) *PushDispatcher {
	return &PushDispatcher{
		devices: devices,
		pusher:  pusher,
		jobs:    make(chan pushJob, queueSize),
		workers: workers,
		logger:  logger,
		metrics: m,
	}
}

// Enqueue schedules a push and reports false when the queue is full.
func (d *PushDispatcher) Enqueue(userIDs []types.ID, msg PushMessage) bool {
	select {
	case d.jobs <- pushJob{userIDs: userIDs, msg: msg}:
		return true
	default:
		d.metrics.Push("dropped")
		d.logger.Warn("push queue full, dropping push", zap.Int("users", len(userIDs)), zap.String("title", msg.Title))
		return false
	}
}

// Run drains the queue with the configured number of workers until ctx is done.
func (d *PushDispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.jobs:
					d.send(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *PushDispatcher) send(ctx context.Context, job pushJob) {
	tokens, err := d.devices.DeviceTokens(ctx, job.userIDs)
	if err != nil {
		d.metrics.Push("failed")
		d.logger.Warn("load device tokens", zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		d.metrics.Push("no_device")
		return
	}
	invalid, err := d.pusher.Send(ctx, tokens, job.msg)
	if err != nil {
		d.metrics.Push("failed")
		d.logger.Warn("push send failed", zap.Error(err), zap.Int("tokens", len(tokens)))
		return
	}
	d.metrics.Push("sent")
	if len(invalid) > 0 {
		if err := d.devices.DeleteDeviceTokens(ctx, invalid); err != nil {
			d.logger.Warn("prune device tokens", zap.Error(err))
		}
	}
}
