// Package opbuffer coalesces concurrent lookups for overlapping sets of keys.
//
// A Buffer tracks in-flight fetches by the exact key set they were issued
// for. A new request is split into the keys already covered by in-flight
// fetches and the keys that still need fetching, so no key is ever fetched
// twice at the same time.
package opbuffer

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// FetchFunc loads the values for exactly the given keys.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

type Buffer[K comparable, V any] struct {
	key func(V) K
	log zerolog.Logger

	mu      sync.Mutex
	flights []*flight[K, V]
}

type flight[K comparable, V any] struct {
	keys   []K
	keySet map[K]struct{}
	done   chan struct{}
	values map[K]V
	err    error
}

// New creates a buffer. key extracts the discriminator from a fetched value.
func New[K comparable, V any](key func(V) K, log zerolog.Logger) *Buffer[K, V] {
	return &Buffer[K, V]{key: key, log: log}
}

// Pending is a future over values produced by one or more in-flight fetches.
type Pending[K comparable, V any] struct {
	covered []K
	using   []*flight[K, V]
}

// Covered returns the requested keys this future will produce.
func (p *Pending[K, V]) Covered() []K {
	return p.covered
}

// Wait blocks until every contributing fetch has resolved and returns the
// values for the covered keys, in covered order. Keys a fetch did not
// return a value for are omitted.
func (p *Pending[K, V]) Wait(ctx context.Context) ([]V, error) {
	merged := make(map[K]V, len(p.covered))
	for _, f := range p.using {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		for k, v := range f.values {
			merged[k] = v
		}
	}
	out := make([]V, 0, len(p.covered))
	for _, k := range p.covered {
		if v, ok := merged[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Partial splits keys into a future over the keys already being fetched
// and the keys nobody is fetching yet. remaining is nil when every key is
// covered.
func (b *Buffer[K, V]) Partial(keys []K) (*Pending[K, V], []K) {
	keys = dedupe(keys)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partialLocked(keys)
}

// Put registers an in-flight fetch for exactly keys and starts it. The
// flight removes itself once fetch returns. The fetch is shared, so it does
// not inherit the cancellation of ctx.
func (b *Buffer[K, V]) Put(ctx context.Context, keys []K, fetch FetchFunc[K, V]) *Pending[K, V] {
	b.mu.Lock()
	f := b.putLocked(keys)
	b.mu.Unlock()
	go b.run(context.WithoutCancel(ctx), f, fetch)
	return &Pending[K, V]{covered: keys, using: []*flight[K, V]{f}}
}

// Load returns the values for keys, joining in-flight fetches where
// possible and issuing a single fetch for the rest.
func (b *Buffer[K, V]) Load(ctx context.Context, keys []K, fetch FetchFunc[K, V]) ([]V, error) {
	keys = dedupe(keys)
	b.mu.Lock()
	pending, remaining := b.partialLocked(keys)
	var fresh *flight[K, V]
	if remaining != nil {
		fresh = b.putLocked(remaining)
	}
	b.mu.Unlock()
	if fresh != nil {
		go b.run(context.WithoutCancel(ctx), fresh, fetch)
		pending.covered = append(pending.covered, remaining...)
		pending.using = append(pending.using, fresh)
	}
	values, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	// Restore the caller's ordering.
	byKey := make(map[K]V, len(values))
	for _, v := range values {
		byKey[b.key(v)] = v
	}
	out := make([]V, 0, len(values))
	for _, k := range keys {
		if v, ok := byKey[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// InFlight returns the number of registered fetches.
func (b *Buffer[K, V]) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flights)
}

func (b *Buffer[K, V]) partialLocked(keys []K) (*Pending[K, V], []K) {
	pending := &Pending[K, V]{}
	matched := make(map[K]struct{}, len(keys))
	for _, f := range b.flights {
		if slices.Equal(f.keys, keys) {
			return &Pending[K, V]{covered: slices.Clone(keys), using: []*flight[K, V]{f}}, nil
		}
	}
	for _, f := range b.flights {
		contributes := false
		for _, k := range keys {
			if _, done := matched[k]; done {
				continue
			}
			if _, ok := f.keySet[k]; ok {
				matched[k] = struct{}{}
				pending.covered = append(pending.covered, k)
				contributes = true
			}
		}
		if contributes {
			pending.using = append(pending.using, f)
		}
	}
	var remaining []K
	for _, k := range keys {
		if _, ok := matched[k]; !ok {
			remaining = append(remaining, k)
		}
	}
	b.checkCoverage(keys, pending.covered, remaining)
	return pending, remaining
}

func (b *Buffer[K, V]) putLocked(keys []K) *flight[K, V] {
	f := &flight[K, V]{
		keys:   slices.Clone(keys),
		keySet: make(map[K]struct{}, len(keys)),
		done:   make(chan struct{}),
	}
	for _, k := range keys {
		f.keySet[k] = struct{}{}
	}
	b.flights = append(b.flights, f)
	return f
}

func (b *Buffer[K, V]) run(ctx context.Context, f *flight[K, V], fetch FetchFunc[K, V]) {
	values, err := fetch(ctx, f.keys)
	f.err = err
	f.values = make(map[K]V, len(values))
	for _, v := range values {
		f.values[b.key(v)] = v
	}
	b.mu.Lock()
	for i, existing := range b.flights {
		if existing == f {
			b.flights = append(b.flights[:i:i], b.flights[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(f.done)
}

func (b *Buffer[K, V]) checkCoverage(requested, covered, remaining []K) {
	seen := make(map[K]int, len(requested))
	for _, k := range covered {
		seen[k]++
	}
	for _, k := range remaining {
		seen[k]++
	}
	for _, k := range requested {
		if seen[k] != 1 {
			b.log.Error().Any("key", k).Int("count", seen[k]).
				Msg("Operation buffer coverage invariant violated")
		}
	}
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
