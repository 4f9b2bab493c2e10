package opbuffer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type item struct {
	ID string
}

// gatedFetcher blocks every fetch until release is closed and records the
// keys each fetch was issued for.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   [][]string
	release chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{})}
}

func (g *gatedFetcher) fetch(ctx context.Context, keys []string) ([]item, error) {
	g.mu.Lock()
	g.calls = append(g.calls, slices.Clone(keys))
	g.mu.Unlock()
	<-g.release
	out := make([]item, len(keys))
	for i, k := range keys {
		out[i] = item{ID: k}
	}
	return out, nil
}

func (g *gatedFetcher) Calls() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func newBuffer(t *testing.T) *Buffer[string, item] {
	return New(func(i item) string { return i.ID }, zerolog.New(zerolog.NewTestWriter(t)))
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestPartialSplitsOverlappingRequest(t *testing.T) {
	b := newBuffer(t)
	g := newGatedFetcher()
	ctx := context.Background()

	first := b.Put(ctx, []string{"a", "b", "c"}, g.fetch)
	pending, remaining := b.Partial([]string{"b", "c", "d", "e"})

	if diff := cmp.Diff([]string{"b", "c"}, pending.Covered()); diff != "" {
		t.Errorf("covered mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"d", "e"}, remaining); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}

	close(g.release)
	values, err := pending.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, ids(values)); diff != "" {
		t.Errorf("covered values (-want +got):\n%s", diff)
	}
	if _, err := first.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestPartialAcrossSeveralFlights(t *testing.T) {
	b := newBuffer(t)
	g := newGatedFetcher()
	ctx := context.Background()

	b.Put(ctx, []string{"a", "b"}, g.fetch)
	b.Put(ctx, []string{"b", "c"}, g.fetch)
	pending, remaining := b.Partial([]string{"a", "b", "c"})
	if remaining != nil {
		t.Errorf("expected full coverage, remaining = %v", remaining)
	}
	covered := pending.Covered()
	if diff := cmp.Diff([]string{"a", "b", "c"}, covered); diff != "" {
		t.Errorf("covered mismatch (-want +got):\n%s", diff)
	}
	if len(pending.using) != 2 {
		t.Errorf("merged %d flights, want 2", len(pending.using))
	}
	close(g.release)
	values, err := pending.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(values)); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
}

func TestExactMatchReusesFlight(t *testing.T) {
	b := newBuffer(t)
	g := newGatedFetcher()
	defer close(g.release)

	b.Put(context.Background(), []string{"a", "b"}, g.fetch)
	pending, remaining := b.Partial([]string{"a", "b"})
	if remaining != nil {
		t.Errorf("remaining = %v, want nil", remaining)
	}
	if len(pending.using) != 1 {
		t.Errorf("using %d flights, want 1", len(pending.using))
	}
}

func TestConcurrentLoadsNeverDuplicateFetch(t *testing.T) {
	b := newBuffer(t)
	g := newGatedFetcher()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]item, 2)
	requests := [][]string{{"a", "b", "c"}, {"b", "c", "d"}}
	started := make(chan struct{}, 2)
	for i, req := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			var err error
			results[i], err = b.Load(ctx, req, g.fetch)
			if err != nil {
				t.Error(err)
			}
		}()
		<-started
		// Wait for the flight to be registered before issuing the next load.
		deadline := time.Now().Add(time.Second)
		for b.InFlight() != i+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	close(g.release)
	wg.Wait()

	fetched := map[string]int{}
	for _, call := range g.Calls() {
		for _, k := range call {
			fetched[k]++
		}
	}
	for k, n := range fetched {
		if n != 1 {
			t.Errorf("key %s fetched %d times", k, n)
		}
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, ids(results[1])); diff != "" {
		t.Errorf("second load values (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(results[0])); diff != "" {
		t.Errorf("first load values (-want +got):\n%s", diff)
	}
}

func TestResolvedFlightIsNotReused(t *testing.T) {
	b := newBuffer(t)
	var fetches atomic.Int32
	fetch := func(ctx context.Context, keys []string) ([]item, error) {
		fetches.Add(1)
		out := make([]item, len(keys))
		for i, k := range keys {
			out[i] = item{ID: k}
		}
		return out, nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.Load(ctx, []string{"a", "b"}, fetch); err != nil {
			t.Fatal(err)
		}
		deadline := time.Now().Add(time.Second)
		for b.InFlight() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if got := fetches.Load(); got != 3 {
		t.Errorf("issued %d fetches, want a fresh fetch per sequential load (3)", got)
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	b := newBuffer(t)
	wantErr := errors.New("database locked")
	_, err := b.Load(context.Background(), []string{"a"}, func(context.Context, []string) ([]item, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	b := newBuffer(t)
	g := newGatedFetcher()
	defer close(g.release)

	pending := b.Put(context.Background(), []string{"a"}, g.fetch)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
