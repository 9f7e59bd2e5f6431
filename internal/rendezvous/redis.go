package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

// RedisStore keeps documents in Redis:
//
//	{prefix}doc:{collection}:{id}  JSON envelope {seq, version, createdAt, data}
//	{prefix}idx:{collection}       ZSET of ids scored by creation seq
//	{prefix}seq                    global write counter
//	{prefix}chg:{collection}       Pub/Sub change feed
//
// Every write publishes the new envelope so watchers never re-read.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type envelope struct {
	Seq       int64  `json:"seq"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	Data      Fields `json:"data"`
}

type changeEvent struct {
	ID      string   `json:"id"`
	Version int64    `json:"version"`
	Deleted bool     `json:"deleted"`
	Doc     envelope `json:"doc"`
}

// createScript inserts a document if it does not exist.
// KEYS: doc, idx, seq. ARGV: data json, createdAt ms, id, id as json, channel.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
local env = '{"seq":' .. seq .. ',"version":' .. seq .. ',"createdAt":' .. ARGV[2] .. ',"data":' .. ARGV[1] .. '}'
redis.call('SET', KEYS[1], env)
redis.call('ZADD', KEYS[2], seq, ARGV[3])
redis.call('PUBLISH', ARGV[5], '{"id":' .. ARGV[4] .. ',"version":' .. seq .. ',"deleted":false,"doc":' .. env .. '}')
return seq
`)

// deleteScript removes a document and announces the removal.
// KEYS: doc, idx, seq. ARGV: id, id as json, channel.
var deleteScript = redis.NewScript(`
local env = redis.call('GET', KEYS[1])
if not env then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('PUBLISH', ARGV[3], '{"id":' .. ARGV[2] .. ',"version":' .. seq .. ',"deleted":true,"doc":' .. env .. '}')
return 1
`)

func NewRedisStore(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		now:    time.Now,
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *RedisStore) docKey(collection, id string) string {
	return s.prefix + "doc:" + collection + ":" + id
}

func (s *RedisStore) idxKey(collection string) string { return s.prefix + "idx:" + collection }
func (s *RedisStore) seqKey() string                  { return s.prefix + "seq" }
func (s *RedisStore) chanKey(collection string) string {
	return s.prefix + "chg:" + collection
}

func (s *RedisStore) Create(ctx context.Context, collection, id string, data Fields) (Document, error) {
	norm, err := normalizeFields(data)
	if err != nil {
		return Document{}, fmt.Errorf("create %s: %w", collection, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return Document{}, fmt.Errorf("create %s: %w", collection, err)
	}
	idJSON, _ := json.Marshal(id)
	createdAt := s.now()

	seq, err := createScript.Run(ctx, s.rdb,
		[]string{s.docKey(collection, id), s.idxKey(collection), s.seqKey()},
		string(raw), createdAt.UnixMilli(), id, string(idJSON), s.chanKey(collection),
	).Int64()
	if err != nil {
		return Document{}, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if seq == 0 {
		return Document{}, fmt.Errorf("create %s/%s: %w", collection, id, ErrAlreadyExists)
	}
	return Document{
		Collection: collection,
		ID:         id,
		Seq:        seq,
		Version:    seq,
		CreatedAt:  time.UnixMilli(createdAt.UnixMilli()),
		Data:       norm,
	}, nil
}

func (s *RedisStore) Set(ctx context.Context, collection, id string, data Fields) error {
	norm, err := normalizeFields(data)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return s.write(ctx, collection, id, true, func(env *envelope) error {
		env.Data = merge(env.Data, norm)
		return nil
	})
}

func (s *RedisStore) Update(ctx context.Context, collection, id string, fields Fields, preconds ...Filter) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	filters := normalizeFilters(preconds)
	return s.write(ctx, collection, id, false, func(env *envelope) error {
		if !matches(env.Data, filters) {
			return ErrPreconditionFailed
		}
		env.Data = merge(env.Data, norm)
		return nil
	})
}

// write runs an optimistic read-modify-write on one document using
// WATCH/MULTI and retries when another writer got there first.
func (s *RedisStore) write(ctx context.Context, collection, id string, upsert bool, mutate func(*envelope) error) error {
	key := s.docKey(collection, id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		created := false
		var env envelope
		switch {
		case errors.Is(err, redis.Nil):
			if !upsert {
				return ErrNotFound
			}
			created = true
			env = envelope{CreatedAt: s.now().UnixMilli(), Data: Fields{}}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			if env.Data == nil {
				env.Data = Fields{}
			}
		}

		if err := mutate(&env); err != nil {
			return err
		}

		seq, err := tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return err
		}
		env.Version = seq
		if created {
			env.Seq = seq
		}
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		ev, err := json.Marshal(changeEvent{ID: id, Version: seq, Doc: env})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			if created {
				pipe.ZAdd(ctx, s.idxKey(collection), redis.Z{Score: float64(seq), Member: id})
			}
			pipe.Publish(ctx, s.chanKey(collection), ev)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write %s/%s: %w", collection, id, err)
		}
		return nil
	}
	return fmt.Errorf("write %s/%s: too much contention", collection, id)
}

func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	raw, err := s.rdb.Get(ctx, s.docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Document{}, fmt.Errorf("get %s/%s: decode: %w", collection, id, err)
	}
	return env.document(collection, id), nil
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	idJSON, _ := json.Marshal(id)
	err := deleteScript.Run(ctx, s.rdb,
		[]string{s.docKey(collection, id), s.idxKey(collection), s.seqKey()},
		id, string(idJSON), s.chanKey(collection),
	).Err()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) DeleteCollection(ctx context.Context, collection string) error {
	ids, err := s.rdb.ZRange(ctx, s.idxKey(collection), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, collection, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	ids, err := s.rdb.ZRange(ctx, s.idxKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	norm := normalizeFilters(filters)
	var out []Document
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Deleted between ZRANGE and MGET.
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(str), &env); err != nil {
			s.log.Warn("skipping undecodable document", "collection", collection, "id", ids[i], "error", err)
			continue
		}
		if matches(env.Data, norm) {
			out = append(out, env.document(collection, ids[i]))
		}
	}
	sortBySeq(out)
	return out, nil
}

func (s *RedisStore) WatchDocument(ctx context.Context, collection, id string) (Subscription, error) {
	return s.watch(ctx, collection, id, nil)
}

func (s *RedisStore) WatchQuery(ctx context.Context, collection string, filters ...Filter) (Subscription, error) {
	return s.watch(ctx, collection, "", filters)
}

// watch subscribes before taking the snapshot; versions let the view drop
// feed events the snapshot already reflects.
func (s *RedisStore) watch(ctx context.Context, collection, id string, filters []Filter) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.chanKey(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}

	var docs []Document
	if id != "" {
		d, err := s.Get(ctx, collection, id)
		switch {
		case err == nil:
			docs = []Document{d}
		case !errors.Is(err, ErrNotFound):
			_ = ps.Close()
			return nil, err
		}
	} else {
		var err error
		if docs, err = s.Query(ctx, collection, filters...); err != nil {
			_ = ps.Close()
			return nil, err
		}
	}

	v := newView(id, filters)
	box := newMailbox()
	v.seed(collection, docs, box)

	sub := &subscription{box: box}
	sub.release = func() {
		_ = ps.Close()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-box.done:
				return
			case msg, ok := <-ch:
				if !ok {
					sub.Close()
					return
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn("dropping undecodable change", "collection", collection, "error", err)
					continue
				}
				var after *Document
				if !ev.Deleted {
					d := ev.Doc.document(collection, ev.ID)
					after = &d
				}
				if c, ok := v.apply(ev.ID, ev.Version, after); ok {
					box.push(c)
				}
			}
		}
	}()
	return sub, nil
}

// Close ends every live subscription. The client is owned by the caller.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (e envelope) document(collection, id string) Document {
	data := e.Data
	if data == nil {
		data = Fields{}
	}
	return Document{
		Collection: collection,
		ID:         id,
		Seq:        e.Seq,
		Version:    e.Version,
		CreatedAt:  time.UnixMilli(e.CreatedAt),
		Data:       data,
	}
}

