package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minisync/store"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// consumeLoop applies batches to the local store and commits their offsets.
// A batch applied but not committed is fetched again after a restart; applying
// it twice leaves the same tree.
func (s *Store) consumeLoop(ctx context.Context) {
	glog.Info("relay: consume loop enter")

	defer func() {
		glog.Info("relay: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("relay: fetching message ...")
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("relay: fetch from kafka err: %v", err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("relay: fetch was cancelled")
				return
			}
			if !wait(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		if changes := s.decodeKafkaMsg(&msg); changes != nil {
			if !s.apply(ctx, changes, &sleep) {
				return
			}
		}

		for {
			err := s.reader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			// Not committed: fetched again on restart, which is harmless.
			glog.Errorf("relay: commit to kafka err: %v", err)
			if errors.Is(err, context.Canceled) {
				glog.V(5).Info("relay: commit to kafka was cancelled")
				return
			}
			if !wait(ctx, &sleep) {
				return
			}
		}
	}
}

// apply commits changes to the local store, retrying while the store is
// unavailable. It returns false when ctx is done.
func (s *Store) apply(ctx context.Context, changes []store.Change, sleep *time.Duration) bool {
	for {
		err := s.local.Commit(ctx, changes)
		if err == nil {
			appliedBatches.Inc()
			*sleep = 0
			return true
		}
		if errors.Is(err, store.ErrInvalidPath) || errors.Is(err, store.ErrInvalidValue) {
			glog.Errorf("relay: skip invalid batch: %v", err)
			skippedBatches.Inc()
			return true
		}
		if errors.Is(err, store.ErrClosed) {
			return false
		}
		glog.Errorf("relay: apply batch err: %v", err)
		if !wait(ctx, sleep) {
			return false
		}
	}
}

func (s *Store) decodeKafkaMsg(msg *kafka.Message) []store.Change {
	if s.maxBytes > 0 && len(msg.Value) > s.maxBytes {
		glog.Errorf("relay: kafka value out of limit, offset: %d, %d bytes", msg.Offset, len(msg.Value))
		skippedBatches.Inc()
		return nil
	}
	var batch Batch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		glog.Errorf("relay: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		skippedBatches.Inc()
		return nil
	}
	glog.V(5).Infof("relay: batch %s from %q, offset %d, %d changes", batch.Id, batch.Origin, msg.Offset, len(batch.Changes))

	out := make([]store.Change, 0, len(batch.Changes))
	for _, c := range batch.Changes {
		change := store.Change{Path: c.Path}
		if len(c.Value) > 0 {
			change.Value = c.Value
		}
		out = append(out, change)
	}
	return out
}

// wait sleeps for the next backoff interval. It returns false when ctx is done.
func wait(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}
