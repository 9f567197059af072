// Package history is the append-only event log of each execution. Entries are ordered by their
// per-execution id only; timestamps are informational and may be skewed.
package history

import (
	"context"
	"fmt"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/persistence"
)

// Entry is a stored event together with its decoded payload.
type Entry struct {
	*models.HistoryEvent

	Event models.Event
}

// Log reads and appends history through a repository, usually the one of a transaction.
type Log struct {
	repo persistence.HistoryRepository
}

func New(repo persistence.HistoryRepository) *Log {
	return &Log{repo: repo}
}

// Append records event as the next entry of the execution's history.
func (l *Log) Append(ctx context.Context, executionID string, event models.Event) (*models.HistoryEvent, error) {
	eventType, attributes, err := models.EncodeEvent(event)
	if err != nil {
		return nil, err
	}

	stored, err := l.repo.Append(ctx, executionID, eventType, attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to append %s: %w", eventType, err)
	}

	return stored, nil
}

// Read returns raw entries with id > afterID in id order. limit <= 0 reads to the end.
func (l *Log) Read(ctx context.Context, executionID string, afterID int64, limit int) ([]*models.HistoryEvent, error) {
	events, err := l.repo.List(ctx, executionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	return events, nil
}

// Entries reads and decodes every entry after afterID.
func (l *Log) Entries(ctx context.Context, executionID string, afterID int64) ([]Entry, error) {
	events, err := l.Read(ctx, executionID, afterID, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(events))

	for _, event := range events {
		decoded, err := event.Decode()
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", event.ID, err)
		}

		entries = append(entries, Entry{HistoryEvent: event, Event: decoded})
	}

	return entries, nil
}

// Scheduled resolves the scheduling event a task response refers to.
func (l *Log) Scheduled(ctx context.Context, executionID string, id int64) (*models.ActivityTaskScheduled, error) {
	event, err := l.repo.Get(ctx, executionID, id)
	if err != nil {
		return nil, err
	}

	decoded, err := event.Decode()
	if err != nil {
		return nil, err
	}

	scheduled, ok := decoded.(*models.ActivityTaskScheduled)
	if !ok {
		return nil, fmt.Errorf("history entry %d is %s, not %s", id, event.EventType, models.EventActivityTaskScheduled)
	}

	return scheduled, nil
}

// FindSignal returns the signals named signalName and the scheduled tasks waiting on it.
func (l *Log) FindSignal(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error) {
	return l.repo.FindSignal(ctx, executionID, signalName)
}

func (l *Log) Count(ctx context.Context, executionID string) (int64, error) {
	return l.repo.Count(ctx, executionID)
}
