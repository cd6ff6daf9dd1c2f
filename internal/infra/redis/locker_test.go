package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-arena-service/internal/domain"
	miniredis "github.com/alicebob/miniredis/v2"
)

func TestLockerExcludesSecondHolder(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	locker := NewLocker(newClient(mr), time.Minute, 3, time.Millisecond, nil)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "m1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("match:lock:m1") {
		t.Fatalf("expected lease key")
	}
	if _, err := locker.Lock(ctx, "m1"); !errors.Is(err, domain.ErrMatchBusy) {
		t.Fatalf("expected ErrMatchBusy, got %v", err)
	}
	if other, err := locker.Lock(ctx, "m2"); err != nil {
		t.Fatalf("independent key should not contend: %v", err)
	} else {
		other()
	}

	unlock()
	if mr.Exists("match:lock:m1") {
		t.Fatalf("expected lease released")
	}
	again, err := locker.Lock(ctx, "m1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestLockerReleaseKeepsForeignLease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	locker := NewLocker(newClient(mr), time.Second, 1, time.Millisecond, nil)
	unlock, err := locker.Lock(context.Background(), "m1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// lease expired and another instance took it
	mr.FastForward(2 * time.Second)
	if err := mr.Set("match:lock:m1", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()

	if got, _ := mr.Get("match:lock:m1"); got != "someone-else" {
		t.Fatalf("stale holder released a foreign lease")
	}
}

func TestCodeAllocatorOwnership(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	codes := NewCodeAllocator(newClient(mr), time.Hour)

	if ok, err := codes.Reserve(ctx, "XY7K2P", "m1"); err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}
	if ok, _ := codes.Reserve(ctx, "XY7K2P", "m2"); ok {
		t.Fatalf("code reserved twice")
	}
	if id, err := codes.Resolve(ctx, "XY7K2P"); err != nil || id != "m1" {
		t.Fatalf("resolve: %s %v", id, err)
	}

	_ = codes.Release(ctx, "XY7K2P", "m2")
	if !mr.Exists("match:code:XY7K2P") {
		t.Fatalf("foreign release freed the code")
	}
	if err := codes.Release(ctx, "XY7K2P", "m1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := codes.Resolve(ctx, "XY7K2P"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}
