package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
)

const (
	changeField    = "change"
	deleteAttempts = 5
)

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Store is a Redis-backed document store.
type Store struct {
	client redis.UniversalClient
	cfg    Config
	tx     *delivery.Transactor
}

var (
	_ delivery.Backend      = (*Store)(nil)
	_ delivery.Watcher      = (*Store)(nil)
	_ delivery.LeaseScanner = (*Store)(nil)
)

// New constructs a store over client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	s := &Store{client: client, cfg: cfg}
	s.tx = delivery.NewTransactor(s, cfg.Tx)

	return s, nil
}

type redisTx struct {
	doc    delivery.Document
	exists bool
	put    *delivery.Document
}

func (t *redisTx) Get(context.Context) (delivery.Document, bool, error) {
	if !t.exists {
		return delivery.Document{}, false, nil
	}

	return t.doc.Clone(), true, nil
}

func (t *redisTx) Put(_ context.Context, doc delivery.Document) error {
	doc = doc.Clone()
	t.put = &doc

	return nil
}

// RunTx implements delivery.Backend.
func (s *Store) RunTx(ctx context.Context, ref delivery.Ref, fn delivery.TxFunc) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	key := s.docKey(ref)
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		before, exists, err := s.load(ctx, rtx, ref)
		if err != nil {
			return err
		}

		tx := &redisTx{doc: before, exists: exists}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.put == nil {
			return nil
		}
		tx.put.Ref = ref

		var prev *delivery.Document
		if exists {
			prev = &before
		}

		return s.commit(ctx, rtx, ref, prev, tx.put)
	}, key)

	return translateErr(ref, err)
}

// Get returns the current document.
func (s *Store) Get(ctx context.Context, ref delivery.Ref) (delivery.Document, error) {
	if err := ref.Validate(); err != nil {
		return delivery.Document{}, err
	}

	doc, ok, err := s.load(ctx, s.client, ref)
	if err != nil {
		return delivery.Document{}, err
	}
	if !ok {
		return delivery.Document{}, fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
	}

	return doc, nil
}

// Create inserts a new document with the given payload and no delivery state.
func (s *Store) Create(ctx context.Context, ref delivery.Ref, payload []byte) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		_, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, ref)
		}

		return tx.Put(ctx, delivery.Document{Ref: ref, Payload: payload})
	})
}

// Update applies fn to the current document and commits the result.
func (s *Store) Update(ctx context.Context, ref delivery.Ref, fn func(doc *delivery.Document) error) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
		}
		if err := fn(&doc); err != nil {
			return err
		}

		return tx.Put(ctx, doc)
	})
}

// Delete removes the document and publishes a delete change.
func (s *Store) Delete(ctx context.Context, ref delivery.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
			before, ok, err := s.load(ctx, rtx, ref)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
			}

			return s.commit(ctx, rtx, ref, &before, nil)
		}, s.docKey(ref))
		err = translateErr(ref, err)
		if !errors.Is(err, delivery.ErrConflict) {
			return err
		}
	}

	return err
}

// ExpiredLeases implements delivery.LeaseScanner.
func (s *Store) ExpiredLeases(ctx context.Context, collection string, now time.Time, limit int) ([]delivery.Ref, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.leaseKey(collection), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: scan leases of %s: %w", collection, err)
	}

	refs := make([]delivery.Ref, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, delivery.Ref{Collection: collection, ID: id})
	}

	return refs, nil
}

func (s *Store) load(ctx context.Context, c getter, ref delivery.Ref) (delivery.Document, bool, error) {
	body, err := c.Get(ctx, s.docKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return delivery.Document{}, false, nil
	}
	if err != nil {
		return delivery.Document{}, false, fmt.Errorf("redisstore: load %s: %w", ref, err)
	}

	doc, err := delivery.UnmarshalDocument(ref, body)
	if err != nil {
		return delivery.Document{}, false, err
	}

	return doc, true, nil
}

// commit writes after (or deletes the key when after is nil), maintains the lease index and
// appends the change, all inside one MULTI/EXEC guarded by the WATCH on the document key.
func (s *Store) commit(ctx context.Context, rtx *redis.Tx, ref delivery.Ref, before, after *delivery.Document) error {
	change := delivery.NewChange(ref, before, after, s.cfg.Clock.Now())
	entry, err := encodeChange(change)
	if err != nil {
		return err
	}

	var body []byte
	if after != nil {
		body, err = delivery.MarshalDocument(*after)
		if err != nil {
			return err
		}
	}

	_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.docKey(ref)
		if after == nil {
			pipe.Del(ctx, key)
		} else {
			pipe.Set(ctx, key, body, 0)
		}

		leases := s.leaseKey(ref.Collection)
		if after != nil && after.State() == delivery.StateProcessing {
			pipe.ZAdd(ctx, leases, redis.Z{Score: leaseScore(after.Delivery), Member: ref.ID})
		} else {
			pipe.ZRem(ctx, leases, ref.ID)
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(ref.Collection),
			MaxLen: s.cfg.StreamMaxLen,
			Values: map[string]any{changeField: entry},
		})

		return nil
	})

	return err
}

func leaseScore(d *delivery.Delivery) float64 {
	if d.LeaseExpireTime == nil {
		return 0
	}

	return float64(d.LeaseExpireTime.UnixMilli())
}

func translateErr(ref delivery.Ref, err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redisstore: %s changed concurrently: %w", ref, delivery.ErrConflict)
	}

	return err
}

func (s *Store) docKey(ref delivery.Ref) string {
	return s.cfg.Prefix + ":doc:" + ref.Collection + ":" + ref.ID
}

func (s *Store) leaseKey(collection string) string {
	return s.cfg.Prefix + ":leases:" + collection
}

func (s *Store) streamKey(collection string) string {
	return s.cfg.Prefix + ":changes:" + collection
}

type wireChange struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	At         time.Time       `json:"at"`
}

func encodeChange(change delivery.Change) (string, error) {
	w := wireChange{
		ID:         change.ID.String(),
		Collection: change.Ref.Collection,
		DocumentID: change.Ref.ID,
		At:         change.At,
	}
	var err error
	if change.Before != nil {
		if w.Before, err = delivery.MarshalDocument(*change.Before); err != nil {
			return "", err
		}
	}
	if change.After != nil {
		if w.After, err = delivery.MarshalDocument(*change.After); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("redisstore: encode change: %w", err)
	}

	return string(body), nil
}
