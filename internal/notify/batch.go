package notify

import (
	"context"
	"slices"
	"sync"
)

// Batcher coalesces events within context-scoped batches and hands them to
// a delivery function.
type Batcher[T comparable] struct {
	deliver func(Event[T])
}

// NewBatcher creates a batcher that delivers through fn.
func NewBatcher[T comparable](fn func(Event[T])) *Batcher[T] {
	return &Batcher[T]{deliver: fn}
}

type scopeKey[T comparable] struct {
	b *Batcher[T]
}

type bucketKey struct {
	kind  Kind
	model string
}

type bucket[T comparable] struct {
	key       bucketKey
	instances []T
	members   map[T]struct{}
	fields    []string
}

func (bk *bucket[T]) add(instances []T, fields []string) {
	for _, inst := range instances {
		if _, dup := bk.members[inst]; dup {
			continue
		}
		bk.members[inst] = struct{}{}
		bk.instances = append(bk.instances, inst)
	}
	for _, f := range fields {
		if !slices.Contains(bk.fields, f) {
			bk.fields = append(bk.fields, f)
		}
	}
}

// Scope is an open batching scope.
type Scope[T comparable] struct {
	b       *Batcher[T]
	mu      sync.Mutex
	depth   int
	buckets []*bucket[T]
	index   map[bucketKey]*bucket[T]
}

// Begin opens a batching scope, or joins the one ctx already carries, in
// which case the depth grows and the buckets are shared. Every Begin must be
// paired with exactly one End on the returned scope.
func (b *Batcher[T]) Begin(ctx context.Context) (context.Context, *Scope[T]) {
	if s := b.scope(ctx); s != nil {
		s.mu.Lock()
		if s.depth > 0 {
			s.depth++
			s.mu.Unlock()
			return ctx, s
		}
		s.mu.Unlock()
	}

	s := &Scope[T]{b: b, depth: 1, index: make(map[bucketKey]*bucket[T])}
	return context.WithValue(ctx, scopeKey[T]{b: b}, s), s
}

// End closes one level of the scope. At depth zero the buckets are
// delivered when deliver is true and discarded otherwise.
func (s *Scope[T]) End(deliver bool) {
	s.mu.Lock()
	if s.depth == 0 {
		s.mu.Unlock()
		return
	}
	s.depth--
	if s.depth > 0 {
		s.mu.Unlock()
		return
	}
	buckets := s.buckets
	s.buckets = nil
	s.index = make(map[bucketKey]*bucket[T])
	s.mu.Unlock()

	if deliver {
		s.b.flush(buckets)
	}
}

// Depth returns the current nesting depth; zero once the scope has ended.
func (s *Scope[T]) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Batched runs fn inside a scope and ends it with deliver, also when fn
// fails or panics.
func (b *Batcher[T]) Batched(ctx context.Context, deliver bool, fn func(ctx context.Context) error) error {
	ctx, s := b.Begin(ctx)
	defer s.End(deliver)
	return fn(ctx)
}

// InBatch reports whether ctx carries an open scope of this batcher.
func (b *Batcher[T]) InBatch(ctx context.Context) bool {
	s := b.scope(ctx)
	return s != nil && s.Depth() > 0
}

func (b *Batcher[T]) scope(ctx context.Context) *Scope[T] {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey[T]{b: b}).(*Scope[T])
	return s
}

// Enqueue records an event. Without an open scope it is delivered at once,
// followed by the AnyChange summary where applicable.
func (b *Batcher[T]) Enqueue(ctx context.Context, ev Event[T]) {
	if s := b.scope(ctx); s != nil {
		s.mu.Lock()
		if s.depth > 0 {
			key := bucketKey{kind: ev.Kind, model: ev.Model}
			bk, ok := s.index[key]
			if !ok {
				bk = &bucket[T]{key: key, members: make(map[T]struct{})}
				s.index[key] = bk
				s.buckets = append(s.buckets, bk)
			}
			bk.add(ev.Instances, ev.ChangedFields)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	bk := &bucket[T]{key: bucketKey{kind: ev.Kind, model: ev.Model}, members: make(map[T]struct{})}
	bk.add(ev.Instances, ev.ChangedFields)
	b.flush([]*bucket[T]{bk})
}

// flush delivers one event per non-empty bucket in first-enqueued order,
// then one AnyChange per model that saw a change.
func (b *Batcher[T]) flush(buckets []*bucket[T]) {
	var models []string
	summary := make(map[string]*bucket[T])

	for _, bk := range buckets {
		if len(bk.instances) == 0 && !bk.key.kind.sweeping() {
			continue
		}
		b.deliver(Event[T]{
			Kind:          bk.key.kind,
			Model:         bk.key.model,
			Instances:     bk.instances,
			ChangedFields: bk.fields,
		})

		if !triggersAnyChange(bk.key.kind) {
			continue
		}
		sum, ok := summary[bk.key.model]
		if !ok {
			sum = &bucket[T]{key: bucketKey{kind: AnyChange, model: bk.key.model}, members: make(map[T]struct{})}
			summary[bk.key.model] = sum
			models = append(models, bk.key.model)
		}
		sum.add(bk.instances, bk.fields)
	}

	for _, m := range models {
		sum := summary[m]
		b.deliver(Event[T]{
			Kind:          AnyChange,
			Model:         m,
			Instances:     sum.instances,
			ChangedFields: sum.fields,
		})
	}
}
