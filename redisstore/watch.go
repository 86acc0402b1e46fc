package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
)

// Watch consumes the change stream of collection through the configured consumer group until
// ctx ends. Changes are acknowledged after handler succeeds; failed changes stay pending and
// are handed over again on the next read, up to MaxRedeliveries.
func (s *Store) Watch(ctx context.Context, collection string, handler delivery.ChangeHandler) error {
	if handler == nil {
		return errors.New("redisstore: nil ChangeHandler")
	}

	stream := s.streamKey(collection)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return err
	}

	w := &streamWatcher{
		store:    s,
		stream:   stream,
		handler:  handler,
		attempts: make(map[string]int),
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

// ensureGroup creates the consumer group at the start of the stream, so changes committed
// before the first watcher started are still delivered.
func (s *Store) ensureGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstore: create consumer group on %s: %w", stream, err)
	}

	return nil
}

type streamWatcher struct {
	store    *Store
	stream   string
	handler  delivery.ChangeHandler
	attempts map[string]int
}

// poll redelivers this consumer's pending changes, then blocks for new ones.
func (w *streamWatcher) poll(ctx context.Context) error {
	pending, err := w.read(ctx, "0", -1)
	if err != nil {
		return err
	}
	w.handle(ctx, pending)

	fresh, err := w.read(ctx, ">", w.store.cfg.Block)
	if err != nil {
		return err
	}
	w.handle(ctx, fresh)

	return nil
}

func (w *streamWatcher) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := w.store.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.store.cfg.Group,
		Consumer: w.store.cfg.Consumer,
		Streams:  []string{w.stream, id},
		Count:    w.store.cfg.ReadCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", w.stream, err)
	}

	var out []redis.XMessage
	for _, st := range streams {
		out = append(out, st.Messages...)
	}

	return out, nil
}

func (w *streamWatcher) handle(ctx context.Context, msgs []redis.XMessage) {
	logger := w.store.cfg.Logger
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}

		change, err := decodeMessage(msg)
		if err != nil {
			logger.Error("redisstore dropping undecodable change", "stream", w.stream, "entry", msg.ID, "err", err)
			w.ack(ctx, msg.ID)

			continue
		}

		change.Attempts = w.attempts[msg.ID]
		if err := w.handler.HandleChange(ctx, change); err != nil {
			w.attempts[msg.ID]++
			logger.Warn("redisstore change handler failed",
				"collection", change.Ref.Collection, "id", change.Ref.ID, "change", change.ID, "attempt", w.attempts[msg.ID], "err", err)
			if w.attempts[msg.ID] < w.store.cfg.MaxRedeliveries {
				continue
			}
			logger.Error("redisstore change dropped after redeliveries",
				"collection", change.Ref.Collection, "id", change.Ref.ID, "change", change.ID)
		}
		w.ack(ctx, msg.ID)
	}
}

func (w *streamWatcher) ack(ctx context.Context, entry string) {
	delete(w.attempts, entry)
	if err := w.store.client.XAck(ctx, w.stream, w.store.cfg.Group, entry).Err(); err != nil {
		w.store.cfg.Logger.Warn("redisstore ack failed", "stream", w.stream, "entry", entry, "err", err)
	}
}

func decodeMessage(msg redis.XMessage) (delivery.Change, error) {
	raw, ok := msg.Values[changeField].(string)
	if !ok {
		return delivery.Change{}, fmt.Errorf("entry %s has no %q field", msg.ID, changeField)
	}

	return decodeChange([]byte(raw))
}

func decodeChange(body []byte) (delivery.Change, error) {
	var w wireChange
	if err := json.Unmarshal(body, &w); err != nil {
		return delivery.Change{}, fmt.Errorf("decode change: %w", err)
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return delivery.Change{}, fmt.Errorf("decode change id: %w", err)
	}

	change := delivery.Change{
		ID:  id,
		Ref: delivery.Ref{Collection: w.Collection, ID: w.DocumentID},
		At:  w.At,
	}
	if len(w.Before) > 0 {
		doc, err := delivery.UnmarshalDocument(change.Ref, w.Before)
		if err != nil {
			return delivery.Change{}, err
		}
		change.Before = &doc
	}
	if len(w.After) > 0 {
		doc, err := delivery.UnmarshalDocument(change.Ref, w.After)
		if err != nil {
			return delivery.Change{}, err
		}
		change.After = &doc
	}

	return change, nil
}
