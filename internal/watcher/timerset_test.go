package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
)

func TestTimerSet_StartAndStop(t *testing.T) {
	s := NewTimerSet(func(TimerKey) {})
	defer s.Shutdown(context.Background())

	key := TimerKey{Group: "tx1", Rule: uuid.New()}
	if err := s.Start(key, time.Minute); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	elapsed, expired, err := s.Stop(key)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if expired {
		t.Error("Stop() expired = true, want false")
	}
	if elapsed < 0 || elapsed > time.Minute {
		t.Errorf("elapsed = %s, want within [0, 1m]", elapsed)
	}
	if got := s.Len(); got != 0 {
		t.Errorf("Len() after stop = %d, want 0", got)
	}
}

func TestTimerSet_DoubleStart(t *testing.T) {
	s := NewTimerSet(func(TimerKey) {})
	defer s.Shutdown(context.Background())

	key := TimerKey{Group: "tx1", Rule: uuid.New()}
	if err := s.Start(key, time.Minute); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(key, time.Minute); !errors.Is(err, config.ErrTimerAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrTimerAlreadyStarted", err)
	}
}

func TestTimerSet_StopUnknown(t *testing.T) {
	s := NewTimerSet(func(TimerKey) {})
	defer s.Shutdown(context.Background())

	_, _, err := s.Stop(TimerKey{Group: "tx1", Rule: uuid.New()})
	if !errors.Is(err, config.ErrTimerNotFound) {
		t.Errorf("Stop() error = %v, want ErrTimerNotFound", err)
	}
}

func TestTimerSet_Expiry(t *testing.T) {
	fired := make(chan TimerKey, 1)
	s := NewTimerSet(func(key TimerKey) { fired <- key })
	defer s.Shutdown(context.Background())

	key := TimerKey{Group: "tx1", Rule: uuid.New()}
	if err := s.Start(key, 10*time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case got := <-fired:
		if got != key {
			t.Errorf("expired key = %v, want %v", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerSet_StopAfterFire(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := NewTimerSet(func(TimerKey) {
		close(started)
		<-release
	})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	key := TimerKey{Group: "tx1", Rule: uuid.New()}
	if err := s.Start(key, 10*time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-started

	// The expiry task is still running, so the fired entry is still present:
	// Stop must observe it and report expired.
	_, expired, err := s.Stop(key)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !expired {
		t.Error("Stop() expired = false, want true after fire")
	}
}

func TestTimerSet_ShutdownDrainsRemainders(t *testing.T) {
	s := NewTimerSet(func(TimerKey) {})

	k1 := TimerKey{Group: "tx1", Rule: uuid.New()}
	k2 := TimerKey{Group: "tx2", Rule: uuid.New()}
	if err := s.Start(k1, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(k2, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	remainders, err := s.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(remainders) != 2 {
		t.Fatalf("got %d remainders, want 2", len(remainders))
	}
	for _, r := range remainders {
		if r.Remaining <= 0 || r.Remaining > time.Hour {
			t.Errorf("remaining = %s, want within (0, 1h]", r.Remaining)
		}
	}

	if err := s.Start(k1, time.Minute); !errors.Is(err, config.ErrWatcherStopped) {
		t.Errorf("Start() after shutdown error = %v, want ErrWatcherStopped", err)
	}
}

func TestTimerSet_ShutdownWaitsForExpiryTasks(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	s := NewTimerSet(func(TimerKey) {
		<-release
		close(done)
	})

	key := TimerKey{Group: "tx1", Rule: uuid.New()}
	if err := s.Start(key, 10*time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	if _, err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("Shutdown() returned before the expiry task finished")
	}
}
