package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"marketplace/internal/outbox"
)

type Conf struct {
	client *kgo.Client
}

func NewConf(brokers []string) (*Conf, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Conf{client: cl}, nil
}

func (k *Conf) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers ...kgo.RecordHeader) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value, Headers: headers}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}
	return nil
}

// Publish sends an outbox record, carrying its event id as a header for consumer-side dedupe.
func (k *Conf) Publish(ctx context.Context, rec outbox.Record) error {
	return k.ProduceMessage(ctx, rec.Topic, []byte(rec.Key), rec.Payload,
		kgo.RecordHeader{Key: HeaderEventID, Value: []byte(rec.EventID)})
}

func (k *Conf) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return k.client.Ping(ctx)
}

func (k *Conf) Close() {
	k.client.Close()
}
