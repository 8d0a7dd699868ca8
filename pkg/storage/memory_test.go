package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(absent) = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set() = %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	// The store holds its own copy; mutating the returned slice must not
	// leak back in.
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if string(again) != "v1" {
		t.Fatalf("stored value aliased caller slice: %q", again)
	}

	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Set(overwrite) = %v", err)
	}
	got, _ = s.Get(ctx, "k")
	if string(got) != "v2" {
		t.Fatalf("Get() after overwrite = %q", got)
	}

	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del() = %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Del = %v, want ErrNotFound", err)
	}
	// Deleting a missing key is not an error.
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del(absent) = %v", err)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 50; j++ {
				_ = s.Set(ctx, key, []byte{byte(j)})
				_, _ = s.Get(ctx, key)
				_ = s.Del(ctx, key)
			}
		}(i)
	}
	wg.Wait()
}
