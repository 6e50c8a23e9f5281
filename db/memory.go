package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDatabase is an in-process Database used by unit tests and by
// components running in detached (storeless) mode. It supports the filter
// operators the control plane issues ($eq, $ne, $gt, $gte, $lt, $lte,
// $in, $exists) plus sort/skip/limit and the $set/$unset/$inc/$push
// update operators. Aggregation pipelines are not supported; callers fall
// back to the legacy N+1 paths.
type MemoryDatabase struct {
	name string

	mu   sync.RWMutex
	cols map[string]*memoryCollection
}

// NewMemoryDatabase creates an empty in-memory database.
func NewMemoryDatabase(name string) *MemoryDatabase {
	return &MemoryDatabase{name: name, cols: map[string]*memoryCollection{}}
}

func (m *MemoryDatabase) Name() string               { return m.name }
func (m *MemoryDatabase) Ping(context.Context) error { return nil }

// ListCollectionNames returns the names of non-empty collections.
func (m *MemoryDatabase) ListCollectionNames(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cols))
	for name, col := range m.cols {
		if len(col.docs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Collection returns (creating if needed) the named collection.
func (m *MemoryDatabase) Collection(name string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[name]
	if !ok {
		col = &memoryCollection{}
		m.cols[name] = col
	}
	return col
}

type memoryCollection struct {
	mu   sync.RWMutex
	docs []Document
}

func (c *memoryCollection) FindOne(_ context.Context, filter Document) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return cloneDoc(doc), nil
		}
	}
	return nil, nil
}

func (c *memoryCollection) Find(_ context.Context, filter Document, opts *FindOptions) ([]Document, error) {
	c.mu.RLock()
	var out []Document
	for _, doc := range c.docs {
		if matches(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}
	c.mu.RUnlock()

	if opts != nil {
		if len(opts.Sort) > 0 {
			sort.SliceStable(out, func(i, j int) bool {
				for _, s := range opts.Sort {
					cmp := compareValues(out[i][s.Key], out[j][s.Key])
					if cmp == 0 {
						continue
					}
					if s.Desc {
						return cmp > 0
					}
					return cmp < 0
				}
				return false
			})
		}
		if opts.Skip > 0 {
			if opts.Skip >= int64(len(out)) {
				out = nil
			} else {
				out = out[opts.Skip:]
			}
		}
		if opts.Limit > 0 && int64(len(out)) > opts.Limit {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

func (c *memoryCollection) Count(_ context.Context, filter Document) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) InsertOne(_ context.Context, doc Document) (IdRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := cloneDoc(doc)
	id, ok := stored["_id"].(IdRef)
	if !ok {
		id = NewIdRef()
		stored["_id"] = id
	}
	c.docs = append(c.docs, stored)
	return id, nil
}

func (c *memoryCollection) InsertMany(ctx context.Context, docs []Document) ([]IdRef, error) {
	ids := make([]IdRef, 0, len(docs))
	for _, doc := range docs {
		id, err := c.InsertOne(ctx, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *memoryCollection) UpdateOne(_ context.Context, filter, update Document) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *memoryCollection) UpdateMany(_ context.Context, filter, update Document) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update)
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) DeleteOne(_ context.Context, filter Document) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *memoryCollection) DeleteMany(_ context.Context, filter Document) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []Document
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return n, nil
}

func (c *memoryCollection) Aggregate(context.Context, []Document) ([]Document, error) {
	return nil, ErrAggregationUnsupported
}

// matches evaluates a Mongo-style filter against one document.
func matches(doc, filter Document) bool {
	for key, cond := range filter {
		value, present := lookup(doc, key)

		if ops, ok := cond.(Document); ok && hasOperator(ops) {
			for op, operand := range ops {
				if !evalOperator(op, value, present, operand) {
					return false
				}
			}
			continue
		}

		if !present || compareValues(value, cond) != 0 {
			return false
		}
	}
	return true
}

func hasOperator(ops Document) bool {
	for k := range ops {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func evalOperator(op string, value any, present bool, operand any) bool {
	switch op {
	case "$eq":
		return present && compareValues(value, operand) == 0
	case "$ne":
		return !present || compareValues(value, operand) != 0
	case "$gt":
		return present && compareValues(value, operand) > 0
	case "$gte":
		return present && compareValues(value, operand) >= 0
	case "$lt":
		return present && compareValues(value, operand) < 0
	case "$lte":
		return present && compareValues(value, operand) <= 0
	case "$exists":
		want, _ := operand.(bool)
		return present == want
	case "$in":
		if !present {
			return false
		}
		for _, candidate := range toSlice(operand) {
			if compareValues(value, candidate) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []IdRef:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return []any{v}
	}
}

func lookup(doc Document, key string) (any, bool) {
	v, ok := doc[key]
	return v, ok
}

// applyUpdate handles $set/$unset/$inc/$push; bare documents replace
// fields directly.
func applyUpdate(doc, update Document) {
	for op, payload := range update {
		fields, _ := payload.(Document)
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$inc":
			for k, v := range fields {
				doc[k] = toFloat(doc[k]) + toFloat(v)
			}
		case "$push":
			for k, v := range fields {
				existing, _ := doc[k].([]any)
				doc[k] = append(existing, v)
			}
		default:
			if !strings.HasPrefix(op, "$") {
				doc[op] = payload
			}
		}
	}
}

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// compareValues orders two dynamic values: numbers numerically, times
// chronologically, everything else by string form.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	if an, aok := toFloatOk(a); aok {
		if bn, bok := toFloatOk(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) float64 {
	f, _ := toFloatOk(v)
	return f
}

func toFloatOk(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
