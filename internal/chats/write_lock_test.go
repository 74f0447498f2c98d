package chats

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockManagerTryAcquire(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, ok := mgr.TryAcquire("chat-1", "turn-a")
	if !ok {
		t.Fatal("first TryAcquire should succeed")
	}

	if _, ok := mgr.TryAcquire("chat-1", "turn-b"); ok {
		t.Error("second TryAcquire on a held chat should fail")
	}

	// A different chat is independent.
	release2, ok := mgr.TryAcquire("chat-2", "turn-b")
	if !ok {
		t.Error("TryAcquire on an unrelated chat should succeed")
	}
	release2()

	holder, _, locked := mgr.LockInfo("chat-1")
	if !locked || holder != "turn-a" {
		t.Errorf("LockInfo: holder=%q locked=%v", holder, locked)
	}

	release()
	if mgr.IsLocked("chat-1") {
		t.Error("chat should be unlocked after release")
	}

	if _, ok := mgr.TryAcquire("chat-1", "turn-c"); !ok {
		t.Error("TryAcquire after release should succeed")
	}
}

func TestLockManagerAcquireWaits(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, ok := mgr.TryAcquire("chat-1", "turn-a")
	if !ok {
		t.Fatal("TryAcquire failed")
	}

	acquired := make(chan error, 1)
	go func() {
		r, err := mgr.Acquire(context.Background(), "chat-1", "turn-b", time.Second)
		if err == nil {
			r()
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("Acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockManagerAcquireTimeout(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, _ := mgr.TryAcquire("chat-1", "turn-a")
	defer release()

	_, err := mgr.Acquire(context.Background(), "chat-1", "turn-b", 30*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLockManagerAcquireTimeoutLeavesLockUsable(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, _ := mgr.TryAcquire("chat-1", "turn-a")

	if _, err := mgr.Acquire(context.Background(), "chat-1", "turn-b", 20*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// The timed-out waiter must not leave the chat's lock in a bad
	// state: releasing and re-acquiring still works.
	release()

	r, err := mgr.Acquire(context.Background(), "chat-1", "turn-c", time.Second)
	if err != nil {
		t.Fatalf("Acquire after timeout and release: %v", err)
	}
	r()

	if mgr.IsLocked("chat-1") {
		t.Error("chat should be unlocked after release")
	}
}

func TestLockManagerAcquireContextCancel(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, _ := mgr.TryAcquire("chat-1", "turn-a")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := mgr.Acquire(ctx, "chat-1", "turn-b", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
