package rcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBatcher_CoalescesConcurrentCallers(t *testing.T) {
	var queries atomic.Int64
	release := make(chan struct{})
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		queries.Add(1)
		<-release
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out, nil
	}

	b := NewBatcher("test", 100, query, zap.NewNop())
	defer b.Close()

	const callers = 100
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, found, err := b.Lookup(context.Background(), "alpha", deadline)
			if err != nil {
				errs <- err
				return
			}
			if !found || v != 5 {
				errs <- errors.New("wrong result")
			}
		}()
	}

	// Let every caller register before the worker's query returns.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("caller: %v", err)
	}

	if n := queries.Load(); n != 1 {
		t.Errorf("queries = %d, want 1", n)
	}
}

func TestBatcher_MissingKeyNotFound(t *testing.T) {
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		return map[string]int{}, nil
	}
	b := NewBatcher("test", 10, query, zap.NewNop())
	defer b.Close()

	_, found, err := b.Lookup(context.Background(), "absent", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Error("absent key reported found")
	}
}

func TestBatcher_ZeroDeadlineNeverEnqueues(t *testing.T) {
	var queries atomic.Int64
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		queries.Add(1)
		return nil, nil
	}
	b := NewBatcher("test", 10, query, zap.NewNop())
	defer b.Close()

	_, _, err := b.Lookup(context.Background(), "k", time.Now())
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := queries.Load(); n != 0 {
		t.Errorf("queries = %d after spent-budget call, want 0", n)
	}
}

func TestBatcher_TimeoutIsolation(t *testing.T) {
	release := make(chan struct{})
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		<-release
		return map[string]int{"k": 7}, nil
	}
	b := NewBatcher("test", 10, query, zap.NewNop())
	defer b.Close()

	// Fast caller times out while the query is still blocked.
	fastErr := make(chan error, 1)
	go func() {
		_, _, err := b.Lookup(context.Background(), "k", time.Now().Add(20*time.Millisecond))
		fastErr <- err
	}()

	slow := make(chan result[int], 1)
	go func() {
		v, found, err := b.Lookup(context.Background(), "k", time.Now().Add(5*time.Second))
		slow <- result[int]{value: v, found: found, err: err}
	}()

	if err := <-fastErr; !errors.Is(err, ErrDeadline) {
		t.Fatalf("fast caller err = %v, want ErrDeadline", err)
	}
	close(release)

	r := <-slow
	if r.err != nil || !r.found || r.value != 7 {
		t.Errorf("slow caller got %+v, want value 7", r)
	}
}

func TestBatcher_QueryFailureDropsInflight(t *testing.T) {
	var queries atomic.Int64
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		if queries.Add(1) == 1 {
			return nil, errors.New("db down")
		}
		return map[string]int{"k": 1}, nil
	}
	b := NewBatcher("test", 10, query, zap.NewNop())
	defer b.Close()

	// First caller rides the failed query into its deadline.
	if _, _, err := b.Lookup(context.Background(), "k", time.Now().Add(50*time.Millisecond)); !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}

	// The key was dropped from the in-flight map, so a fresh caller
	// triggers a new query and succeeds.
	v, found, err := b.Lookup(context.Background(), "k", time.Now().Add(time.Second))
	if err != nil || !found || v != 1 {
		t.Fatalf("retry lookup = (%v, %v, %v)", v, found, err)
	}
}

func TestBatcher_CloseFailsPendingWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	query := func(_ context.Context, keys []string) (map[string]int, error) {
		close(started)
		<-release
		return nil, nil
	}
	b := NewBatcher("test", 10, query, zap.NewNop())
	defer close(release)

	// One caller is served by the blocked query; a second key stays
	// queued behind it.
	go b.Lookup(context.Background(), "served", time.Now().Add(5*time.Second))
	<-started

	pendingErr := make(chan error, 1)
	go func() {
		_, _, err := b.Lookup(context.Background(), "pending", time.Now().Add(5*time.Second))
		pendingErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	b.Close()
	if err := <-pendingErr; !errors.Is(err, ErrShutdown) {
		t.Errorf("pending waiter err = %v, want ErrShutdown", err)
	}

	if _, _, err := b.Lookup(context.Background(), "late", time.Now().Add(time.Second)); !errors.Is(err, ErrShutdown) {
		t.Errorf("post-close lookup err = %v, want ErrShutdown", err)
	}
}
