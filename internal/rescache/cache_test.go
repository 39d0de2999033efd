package rescache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrFetch_CachesWithinTTL(t *testing.T) {
	c := New(0)
	var fetches int
	fetch := func(_ context.Context) (any, error) {
		fetches++
		return "payload", nil
	}

	v, cached, err := c.GetOrFetch(context.Background(), "k", time.Hour, fetch)
	if err != nil || cached || v != "payload" {
		t.Fatalf("first call: v=%v cached=%v err=%v", v, cached, err)
	}
	v, cached, err = c.GetOrFetch(context.Background(), "k", time.Hour, fetch)
	if err != nil || !cached || v != "payload" {
		t.Fatalf("second call: v=%v cached=%v err=%v", v, cached, err)
	}
	if fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches)
	}
}

func TestGetOrFetch_ExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	c := New(0).WithNow(func() time.Time { return now })

	var fetches int
	fetch := func(_ context.Context) (any, error) {
		fetches++
		return fetches, nil
	}

	if _, _, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	v, cached, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("expected expired entry to refetch")
	}
	if v != 2 {
		t.Errorf("expected refetched value 2, got %v", v)
	}
}

func TestGetOrFetch_ErrorsNotCached(t *testing.T) {
	c := New(0)
	var fetches int
	_, _, err := c.GetOrFetch(context.Background(), "k", time.Hour, func(_ context.Context) (any, error) {
		fetches++
		return nil, errors.New("upstream 500")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	v, cached, err := c.GetOrFetch(context.Background(), "k", time.Hour, func(_ context.Context) (any, error) {
		fetches++
		return "ok", nil
	})
	if err != nil || cached || v != "ok" {
		t.Fatalf("retry after error: v=%v cached=%v err=%v", v, cached, err)
	}
	if fetches != 2 {
		t.Errorf("expected 2 fetches, got %d", fetches)
	}
}

func TestGetOrFetch_LRUEviction(t *testing.T) {
	c := New(2)
	ctx := context.Background()
	put := func(key string) {
		if _, _, err := c.GetOrFetch(ctx, key, time.Hour, func(_ context.Context) (any, error) {
			return key, nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	put("a")
	put("b")
	put("a") // refresh a; b is now least recently used
	put("c") // evicts b

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	var fetched bool
	_, cached, _ := c.GetOrFetch(ctx, "b", time.Hour, func(_ context.Context) (any, error) {
		fetched = true
		return "b2", nil
	})
	if cached || !fetched {
		t.Error("expected b to have been evicted")
	}
	_, cached, _ = c.GetOrFetch(ctx, "a", time.Hour, func(_ context.Context) (any, error) {
		return nil, errors.New("should not fetch")
	})
	if !cached {
		t.Error("expected a to have survived eviction")
	}
}

func TestGetOrFetch_CollapsesConcurrentMisses(t *testing.T) {
	c := New(0)
	var fetches atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrFetch(context.Background(), "shared", time.Hour, func(_ context.Context) (any, error) {
				fetches.Add(1)
				<-release
				return "v", nil
			})
			if err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("expected concurrent misses collapsed into 1 fetch, got %d", n)
	}
}

func TestKey_Normalizes(t *testing.T) {
	if Key(" EDGAR ", "Acme Capital") != Key("edgar", "acme capital") {
		t.Error("expected normalized keys to be equal")
	}
	if Key("a", "b") == Key("ab", "") {
		t.Error("expected part boundaries to be preserved")
	}
}
