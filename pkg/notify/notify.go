// Package notify wakes blocked pollers when work becomes available. A wake-up is a hint:
// waiters always re-check the store, so lost or duplicated wake-ups only cost latency.
package notify

import (
	"context"
	"sync"
	"time"
)

// Notifier signals and awaits work on named channels.
type Notifier interface {
	Notify(ctx context.Context, channel string) error
	// Wait blocks until channel is notified, timeout elapses or ctx is done. It reports
	// whether a notification arrived.
	Wait(ctx context.Context, channel string, timeout time.Duration) (bool, error)
	Close() error
}

// DecisionChannel is notified when an execution on the decision list needs a decider.
func DecisionChannel(decisionList string) string {
	return "flowcore:decisions:" + decisionList
}

// TaskChannel is notified when a task is scheduled on the task list.
func TaskChannel(taskList string) string {
	return "flowcore:tasks:" + taskList
}

// Local is an in-process Notifier; each channel holds at most one pending wake-up.
type Local struct {
	mu       sync.Mutex
	channels map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{channels: make(map[string]chan struct{})}
}

func (l *Local) channel(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.channels[name] = ch
	}

	return ch
}

func (l *Local) Notify(_ context.Context, channel string) error {
	select {
	case l.channel(channel) <- struct{}{}:
	default:
	}

	return nil
}

func (l *Local) Wait(ctx context.Context, channel string, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.channel(channel):
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Local) Close() error {
	return nil
}
