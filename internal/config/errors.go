package config

import "errors"

// Sentinel errors for internal use.
var (
	// Input validation
	ErrInvalidConfirmations = errors.New("confirmation count must be at least 1")
	ErrInvalidTimeout       = errors.New("timeout must be positive")
	ErrInvalidAmount        = errors.New("target amount must be positive")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidTransaction   = errors.New("invalid transaction hash")
	ErrInvalidCallbackURL   = errors.New("invalid callback url")
	ErrUnknownProperty      = errors.New("property is not watched")

	// Concurrency conflicts
	ErrAlreadyWatched      = errors.New("rule already has a current watch")
	ErrTimerAlreadyStarted = errors.New("timer already started for this rule")
	ErrRuleAlreadyResolved = errors.New("rule already resolved")

	// Not found
	ErrRuleNotFound     = errors.New("rule not found")
	ErrWatchNotFound    = errors.New("watch not found")
	ErrCallbackNotFound = errors.New("callback not found")
	ErrTimerNotFound    = errors.New("no timer registered for this rule")
	ErrBlockNotFound    = errors.New("block not found in local index")

	// Synchronizer
	ErrReorgTooDeep = errors.New("reorganization deeper than local block index")

	// Lifecycle
	ErrWatcherStopped = errors.New("watcher is stopped")
)
