package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs single-process deployments and
// lets tests run two clients against one shared transport.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	now      func() time.Time
	colls    map[string]map[string]Document
	watchers map[string]map[*memWatcher]struct{}
	closed   bool
}

type memWatcher struct {
	view *view
	box  *mailbox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		colls:    make(map[string]map[string]Document),
		watchers: make(map[string]map[*memWatcher]struct{}),
	}
}

// WithClock replaces the CreatedAt source. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Create(ctx context.Context, collection, id string, data Fields) (Document, error) {
	norm, err := normalizeFields(data)
	if err != nil {
		return Document{}, fmt.Errorf("create %s: %w", collection, err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	coll := s.collection(collection)
	if _, ok := coll[id]; ok {
		return Document{}, fmt.Errorf("create %s/%s: %w", collection, id, ErrAlreadyExists)
	}
	s.seq++
	doc := Document{
		Collection: collection,
		ID:         id,
		Seq:        s.seq,
		Version:    s.seq,
		CreatedAt:  s.now(),
		Data:       norm,
	}
	coll[id] = doc
	s.notify(collection, id, doc.Version, &doc)
	return cloneDoc(doc), nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, data Fields) error {
	norm, err := normalizeFields(data)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	coll := s.collection(collection)
	s.seq++
	doc, ok := coll[id]
	if !ok {
		doc = Document{Collection: collection, ID: id, Seq: s.seq, CreatedAt: s.now(), Data: Fields{}}
	}
	doc.Version = s.seq
	doc.Data = merge(doc.Data, norm)
	coll[id] = doc
	s.notify(collection, id, doc.Version, &doc)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	doc, ok := s.colls[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneDoc(doc), nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields, preconds ...Filter) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.colls[collection][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if !matches(doc.Data, normalizeFilters(preconds)) {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrPreconditionFailed)
	}
	s.seq++
	doc.Version = s.seq
	doc.Data = merge(doc.Data, norm)
	s.colls[collection][id] = doc
	s.notify(collection, id, doc.Version, &doc)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deleteLocked(collection, id)
	return nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	docs := make([]Document, 0, len(s.colls[collection]))
	for _, d := range s.colls[collection] {
		docs = append(docs, d)
	}
	sortBySeq(docs)
	for _, d := range docs {
		s.deleteLocked(collection, d.ID)
	}
	delete(s.colls, collection)
	return nil
}

func (s *MemoryStore) deleteLocked(collection, id string) {
	if _, ok := s.colls[collection][id]; !ok {
		return
	}
	delete(s.colls[collection], id)
	s.seq++
	s.notify(collection, id, s.seq, nil)
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.queryLocked(collection, "", normalizeFilters(filters)), nil
}

func (s *MemoryStore) queryLocked(collection, id string, filters []Filter) []Document {
	var out []Document
	for _, d := range s.colls[collection] {
		if id != "" && d.ID != id {
			continue
		}
		if matches(d.Data, filters) {
			out = append(out, cloneDoc(d))
		}
	}
	sortBySeq(out)
	return out
}

func (s *MemoryStore) WatchDocument(ctx context.Context, collection, id string) (Subscription, error) {
	return s.watch(ctx, collection, id, nil)
}

func (s *MemoryStore) WatchQuery(ctx context.Context, collection string, filters ...Filter) (Subscription, error) {
	return s.watch(ctx, collection, "", filters)
}

func (s *MemoryStore) watch(ctx context.Context, collection, id string, filters []Filter) (Subscription, error) {
	w := &memWatcher{view: newView(id, filters), box: newMailbox()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.box.close()
		return nil, ErrClosed
	}
	w.view.seed(collection, s.queryLocked(collection, id, w.view.filters), w.box)
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[*memWatcher]struct{})
	}
	s.watchers[collection][w] = struct{}{}
	s.mu.Unlock()

	sub := &subscription{box: w.box, release: func() {
		s.mu.Lock()
		delete(s.watchers[collection], w)
		if len(s.watchers[collection]) == 0 {
			delete(s.watchers, collection)
		}
		s.mu.Unlock()
	}}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-w.box.done:
		}
	}()
	return sub, nil
}

// notify runs under s.mu so every watcher sees writes in commit order.
func (s *MemoryStore) notify(collection, id string, version int64, after *Document) {
	for w := range s.watchers[collection] {
		if c, ok := w.view.apply(id, version, after); ok {
			w.box.push(c)
		}
	}
}

func (s *MemoryStore) collection(name string) map[string]Document {
	coll, ok := s.colls[name]
	if !ok {
		coll = make(map[string]Document)
		s.colls[name] = coll
	}
	return coll
}

// Close ends every live subscription. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var boxes []*mailbox
	for _, ws := range s.watchers {
		for w := range ws {
			boxes = append(boxes, w.box)
		}
	}
	s.watchers = make(map[string]map[*memWatcher]struct{})
	s.mu.Unlock()

	for _, b := range boxes {
		b.close()
	}
	return nil
}
