package locker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"queue:b", "appt:a", "queue:b", "appt:a", "appt:c"})
	want := []string{"appt:a", "appt:c", "queue:b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize = %v, want %v", got, want)
	}
	if len(Normalize(nil)) != 0 {
		t.Error("expected empty result for nil keys")
	}
}

func TestSerialize_MutualExclusion(t *testing.T) {
	k := New(time.Second)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := k.Serialize(context.Background(), []string{"appt:x"}, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Serialize: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if k.Held() != 0 {
		t.Errorf("Held = %d after all releases, want 0", k.Held())
	}
}

func TestSerialize_DistinctKeysRunConcurrently(t *testing.T) {
	k := New(time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = k.Serialize(context.Background(), []string{"a"}, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- k.Serialize(context.Background(), []string{"b"}, func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serialize(b): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(release)
}

func TestSerialize_Timeout(t *testing.T) {
	k := New(20 * time.Millisecond)
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	called := false
	err = k.Serialize(context.Background(), []string{"a"}, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if called {
		t.Error("fn must not run without the lock")
	}
}

func TestSerialize_PropagatesFnError(t *testing.T) {
	k := New(0)
	boom := errors.New("boom")
	err := k.Serialize(context.Background(), []string{"a", "b"}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	// keys are released after an error
	if err := k.Serialize(context.Background(), []string{"b", "a"}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second Serialize: %v", err)
	}
}
