// Package outbox relays domain events written inside business transactions to the broker.
// Delivery is at least once; consumers dedupe on EventID.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace/internal/metrics"
	"marketplace/pkg/logkey"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// NewRecord marshals payload into a record with a fresh event id.
func NewRecord(topic, key string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s event: %w", topic, err)
	}
	return Record{EventID: uuid.NewString(), Topic: topic, Key: key, Payload: data}, nil
}

type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64) error
}

type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

type Relay struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batch     int
	metrics   *metrics.Metrics
}

func NewRelay(store Store, publisher Publisher, interval time.Duration, batch int, m *metrics.Metrics) *Relay {
	return &Relay{store: store, publisher: publisher, interval: interval, batch: batch, metrics: m}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("outbox relay pass failed", slog.String(logkey.ERROR, err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce publishes one batch in id order and stops at the first publish failure so records
// keep their relative order per key. It returns how many records were marked sent.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	recs, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("fetching pending outbox records: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(recs))
	var pubErr error
	for _, rec := range recs {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			pubErr = fmt.Errorf("publishing outbox record %d to %s: %w", rec.ID, rec.Topic, err)
			r.metrics.OutboxResult("failed", 1)
			break
		}
		sent = append(sent, rec.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			return 0, fmt.Errorf("marking outbox records sent: %w", err)
		}
		r.metrics.OutboxResult("sent", len(sent))
	}
	return len(sent), pubErr
}
