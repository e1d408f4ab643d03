// Package relay replicates store writes through a Kafka topic. Every node
// produces its writes as change batches and applies the whole topic, in
// order, to a local MemStore that serves reads and listeners.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minisync/store"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 3 * time.Second

	// Every batch carries this key: with the Hash balancer all batches land
	// on one partition, so every node applies them in the same order.
	batchKey = "minisync"
)

var (
	producedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minisync",
		Subsystem: "relay",
		Name:      "produced_batches_total",
		Help:      "Change batches written to kafka.",
	})
	appliedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minisync",
		Subsystem: "relay",
		Name:      "applied_batches_total",
		Help:      "Change batches applied to the local store.",
	})
	skippedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minisync",
		Subsystem: "relay",
		Name:      "skipped_batches_total",
		Help:      "Kafka messages dropped as malformed or invalid.",
	})
)

func init() {
	prometheus.MustRegister(producedBatches, appliedBatches, skippedBatches)
}

// Batch is the kafka message value: changes committed atomically.
type Batch struct {
	Id      string   `json:"id"`
	Origin  string   `json:"origin,omitempty"`
	Time    int64    `json:"time"`
	Changes []Change `json:"changes"`
}

// Change is store.Change with its value kept as raw JSON, so numbers survive
// the round trip untouched.
type Change struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Config struct {
	Brokers  []string
	Topic    string
	GroupId  string
	Origin   string
	MaxBytes int
}

// Store is a store.IEventStore whose writes go through kafka.
type Store struct {
	local    *store.MemStore
	reader   IKafkaReader
	writer   IKafkaWriter
	origin   string
	maxBytes int

	wg sync.WaitGroup
}

func New(local *store.MemStore, reader IKafkaReader, writer IKafkaWriter, origin string, maxBytes int) *Store {
	return &Store{
		local:    local,
		reader:   reader,
		writer:   writer,
		origin:   origin,
		maxBytes: maxBytes,
	}
}

// NewKafka creates a Store reading and writing conf.Topic. Each node needs its
// own consumer group: every node applies every batch.
func NewKafka(local *store.MemStore, conf Config) *Store {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     conf.Brokers,
		GroupID:     conf.GroupId,
		Topic:       conf.Topic,
		StartOffset: kafka.FirstOffset,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      conf.Brokers,
		Topic:        conf.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	return New(local, reader, writer, conf.Origin, conf.MaxBytes)
}

// Run consumes the topic until ctx is done, then closes reader and writer.
func (s *Store) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("relay: run enter")

	s.wg.Add(1)
	go s.consumeLoop(ctx)

	glog.Info("relay: ready")
	<-ctx.Done()

	glog.Info("relay: stopping")
	_ = s.reader.Close()
	s.wg.Wait()
	_ = s.writer.Close()

	glog.Info("relay: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (s *Store) produce(ctx context.Context, changes []store.Change) error {
	batch := Batch{
		Id:      uuid.NewString(),
		Origin:  s.origin,
		Time:    time.Now().UnixMilli(),
		Changes: make([]Change, 0, len(changes)),
	}
	for _, c := range changes {
		if _, err := store.SplitPath(c.Path); err != nil {
			return err
		}
		var raw json.RawMessage
		if c.Value != nil {
			b, err := json.Marshal(c.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", store.ErrInvalidValue, err)
			}
			raw = b
		}
		batch.Changes = append(batch.Changes, Change{Path: c.Path, Value: raw})
	}

	value, err := json.Marshal(&batch)
	if err != nil {
		return fmt.Errorf("%w: marshal batch: %v", store.ErrInvalidValue, err)
	}
	if s.maxBytes > 0 && len(value) > s.maxBytes {
		return fmt.Errorf("%w: batch exceeds max limit: %d bytes", store.ErrInvalidValue, s.maxBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx2, kafka.Message{Key: []byte(batchKey), Value: value}); err != nil {
		glog.Errorf("relay: write batch %s error: %v", batch.Id, err)
		return fmt.Errorf("%w: write to kafka: %v", store.ErrStoreUnavailable, err)
	}
	producedBatches.Inc()
	glog.V(5).Infof("relay: produced batch %s, %d changes", batch.Id, len(batch.Changes))
	return nil
}

func (s *Store) Append(ctx context.Context, path string, value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("%w: append nil", store.ErrInvalidValue)
	}
	id := uuid.NewString()
	if err := s.produce(ctx, []store.Change{{Path: store.JoinPath(path, id), Value: value}}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.produce(ctx, []store.Change{{Path: path, Value: value}})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.produce(ctx, []store.Change{{Path: path}})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	changes, err := store.UpdateChanges(path, fields)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	return s.produce(ctx, changes)
}

func (s *Store) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	return s.local.ReadOnce(ctx, path)
}

func (s *Store) ListenAppend(path string, fn store.AppendFunc) (store.Unsubscribe, error) {
	return s.local.ListenAppend(path, fn)
}

func (s *Store) ListenRemove(path string, fn store.RemoveFunc) (store.Unsubscribe, error) {
	return s.local.ListenRemove(path, fn)
}

func (s *Store) ListenValue(path string, fn store.ValueFunc) (store.Unsubscribe, error) {
	return s.local.ListenValue(path, fn)
}
