package rendezvous

import (
	"encoding/json"
	"reflect"
	"sort"
)

// normalize maps a Go value to its JSON data model so that filters compare
// against stored values the same way in every implementation.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func normalizeFields(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	out := Fields{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFilters(filters []Filter) []Filter {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		out[i] = Filter{Field: f.Field, Value: normalize(f.Value)}
	}
	return out
}

// matches expects filters that went through normalizeFilters.
func matches(data Fields, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if f.Value == nil {
			if ok && v != nil {
				return false
			}
			continue
		}
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func merge(dst, src Fields) Fields {
	out := cloneFields(dst)
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Fields:
		return cloneFields(t)
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	}
	return v
}

func cloneDoc(d Document) Document {
	d.Data = cloneFields(d.Data)
	return d
}

func sortBySeq(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })
}

// view tracks which documents a watcher currently considers members and
// turns raw writes into Added/Modified/Removed deltas.
type view struct {
	docID    string
	filters  []Filter
	members  map[string]Document
	versions map[string]int64
}

func newView(docID string, filters []Filter) *view {
	return &view{
		docID:    docID,
		filters:  normalizeFilters(filters),
		members:  make(map[string]Document),
		versions: make(map[string]int64),
	}
}

func (v *view) accepts(d Document) bool {
	if v.docID != "" && d.ID != v.docID {
		return false
	}
	return matches(d.Data, v.filters)
}

// apply folds one write into the view. after is nil for deletes. Writes with
// a version already seen are ignored.
func (v *view) apply(id string, version int64, after *Document) (Change, bool) {
	if v.docID != "" && id != v.docID {
		return Change{}, false
	}
	if last, ok := v.versions[id]; ok && version <= last {
		return Change{}, false
	}
	v.versions[id] = version

	before, was := v.members[id]
	is := after != nil && v.accepts(*after)

	switch {
	case !was && is:
		v.members[id] = cloneDoc(*after)
		return Change{Kind: Added, Doc: cloneDoc(*after)}, true
	case was && is:
		v.members[id] = cloneDoc(*after)
		return Change{Kind: Modified, Doc: cloneDoc(*after)}, true
	case was && !is:
		delete(v.members, id)
		if after != nil {
			return Change{Kind: Removed, Doc: cloneDoc(*after)}, true
		}
		return Change{Kind: Removed, Doc: before}, true
	}
	return Change{}, false
}

// seed delivers the initial snapshot. A document watch on a missing document
// reports Removed so the watcher learns the record is gone.
func (v *view) seed(collection string, docs []Document, box *mailbox) {
	for _, d := range docs {
		if c, ok := v.apply(d.ID, d.Version, &d); ok {
			box.push(c)
		}
	}
	if v.docID != "" {
		if _, ok := v.members[v.docID]; !ok {
			box.push(Change{Kind: Removed, Doc: Document{Collection: collection, ID: v.docID}})
		}
	}
}
