package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/config"
)

// TimerKey identifies one rule's countdown: the watched transaction hash or
// address, plus the rule id.
type TimerKey struct {
	Group string
	Rule  uuid.UUID
}

// TimerRemainder reports how much of a timer's duration was consumed when the
// set shut down before the timer fired. Callers persist it so a restart
// resumes with the correct remainder instead of the full duration.
type TimerRemainder struct {
	Key       TimerKey
	Elapsed   time.Duration
	Remaining time.Duration
}

// ExpiryFunc runs on its own goroutine when a timer fires. Expiry tasks for
// different rules run fully in parallel with each other and with block
// processing; the TimerSet guarantees a fired timer is observed by Stop
// before the task completes, so the confirmation path can never claim a rule
// that is already timing out.
type ExpiryFunc func(key TimerKey)

// TimerSet maintains one countdown per active rule. A single goroutine owns
// the registry and processes start, stop, fired and shutdown requests as
// serialized messages, so the check-and-act races between a block event
// stopping a timer and the timer firing are decided by message order alone.
type TimerSet struct {
	expire ExpiryFunc
	cmds   chan any
	quit   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type timerEntry struct {
	timer    *time.Timer
	duration time.Duration
	deadline time.Time
	fired    bool
}

type startCmd struct {
	key   TimerKey
	d     time.Duration
	reply chan error
}

type stopCmd struct {
	key   TimerKey
	reply chan stopResult
}

type stopResult struct {
	elapsed time.Duration
	expired bool
	err     error
}

type firedCmd struct{ key TimerKey }

type clearCmd struct{ key TimerKey }

type lenCmd struct{ reply chan int }

type drainCmd struct{ reply chan []TimerRemainder }

// NewTimerSet creates a timer set and starts its owner goroutine.
func NewTimerSet(expire ExpiryFunc) *TimerSet {
	s := &TimerSet{
		expire: expire,
		cmds:   make(chan any),
		quit:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Start registers a countdown for the given key. Returns
// config.ErrTimerAlreadyStarted if a timer for the key already exists, or
// config.ErrWatcherStopped after shutdown.
func (s *TimerSet) Start(key TimerKey, d time.Duration) error {
	reply := make(chan error, 1)
	if !s.post(startCmd{key: key, d: d, reply: reply}) {
		return config.ErrWatcherStopped
	}
	return <-reply
}

// Stop claims the timer for the confirmation path. If the timer had not
// fired, it is cancelled and Stop returns the wall-clock duration it consumed
// with expired=false; the caller persists the consumed time and may proceed
// to create the durable watch. If the timer already fired, Stop is a no-op
// returning expired=true and the caller must not proceed: the rule is going
// to time out. A missing timer returns config.ErrTimerNotFound.
func (s *TimerSet) Stop(key TimerKey) (elapsed time.Duration, expired bool, err error) {
	reply := make(chan stopResult, 1)
	if !s.post(stopCmd{key: key, reply: reply}) {
		return 0, false, config.ErrWatcherStopped
	}
	res := <-reply
	return res.elapsed, res.expired, res.err
}

// Len returns the number of registered timers, fired ones included.
func (s *TimerSet) Len() int {
	reply := make(chan int, 1)
	if !s.post(lenCmd{reply: reply}) {
		return 0
	}
	return <-reply
}

// Shutdown stops every timer that has not fired and returns their consumed
// durations for persistence, then waits for in-flight expiry tasks to finish.
// Expiry tasks are never hard-cancelled: they are already committing a
// terminal state. Waiting is bounded by ctx.
func (s *TimerSet) Shutdown(ctx context.Context) ([]TimerRemainder, error) {
	reply := make(chan []TimerRemainder, 1)
	var remainders []TimerRemainder
	if s.post(drainCmd{reply: reply}) {
		remainders = <-reply
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return remainders, nil
	case <-ctx.Done():
		return remainders, ctx.Err()
	}
}

// post delivers a command to the owner goroutine, reporting false once the
// set has shut down.
func (s *TimerSet) post(cmd any) bool {
	select {
	case s.cmds <- cmd:
		return true
	case <-s.quit:
		return false
	}
}

func (s *TimerSet) run() {
	timers := make(map[TimerKey]*timerEntry)

	for raw := range s.cmds {
		switch cmd := raw.(type) {
		case startCmd:
			if _, ok := timers[cmd.key]; ok {
				cmd.reply <- config.ErrTimerAlreadyStarted
				continue
			}
			key := cmd.key
			entry := &timerEntry{
				duration: cmd.d,
				deadline: time.Now().Add(cmd.d),
			}
			entry.timer = time.AfterFunc(cmd.d, func() {
				s.post(firedCmd{key: key})
			})
			timers[key] = entry
			slog.Debug("timer started",
				"group", key.Group,
				"ruleID", key.Rule.String(),
				"duration", cmd.d.String(),
			)
			cmd.reply <- nil

		case stopCmd:
			entry, ok := timers[cmd.key]
			if !ok {
				cmd.reply <- stopResult{err: config.ErrTimerNotFound}
				continue
			}
			if entry.fired {
				cmd.reply <- stopResult{expired: true}
				continue
			}
			entry.timer.Stop()
			delete(timers, cmd.key)
			cmd.reply <- stopResult{elapsed: consumed(entry)}

		case firedCmd:
			entry, ok := timers[cmd.key]
			if !ok || entry.fired {
				// Stopped between the firing and this message; the stop won.
				continue
			}
			entry.fired = true
			s.wg.Add(1)
			go s.runExpiry(cmd.key)

		case clearCmd:
			delete(timers, cmd.key)

		case lenCmd:
			cmd.reply <- len(timers)

		case drainCmd:
			var remainders []TimerRemainder
			for key, entry := range timers {
				if entry.fired {
					continue // expiry task in flight, let it finish
				}
				entry.timer.Stop()
				elapsed := consumed(entry)
				remainders = append(remainders, TimerRemainder{
					Key:       key,
					Elapsed:   elapsed,
					Remaining: entry.duration - elapsed,
				})
			}
			cmd.reply <- remainders
			s.closeOnce.Do(func() { close(s.quit) })
			return
		}
	}
}

// runExpiry executes the expiry callback on its own goroutine and removes the
// timer entry afterwards, whatever happened. A panicking callback is logged
// at the task boundary so a stuck timer never leaks.
func (s *TimerSet) runExpiry(key TimerKey) {
	defer s.wg.Done()
	defer s.post(clearCmd{key: key})
	defer func() {
		if r := recover(); r != nil {
			slog.Error("timer expiry task panicked",
				"group", key.Group,
				"ruleID", key.Rule.String(),
				"panic", r,
			)
		}
	}()

	slog.Info("timer expired", "group", key.Group, "ruleID", key.Rule.String())
	s.expire(key)
}

func consumed(e *timerEntry) time.Duration {
	elapsed := e.duration - time.Until(e.deadline)
	if elapsed < 0 {
		return 0
	}
	if elapsed > e.duration {
		return e.duration
	}
	return elapsed
}
