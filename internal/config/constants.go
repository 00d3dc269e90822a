package config

import "time"

// Database
const (
	DBBusyTimeout = 5000 // milliseconds
)

// Rule defaults and limits
const (
	MinConfirmations    = 1
	MinTimeout          = 1 * time.Second
	DefaultTimeout      = 30 * time.Minute
	MaxPayloadBytes     = 64 * 1024
	MaxTimeoutStatusLen = 64
)

// Callback delivery
const (
	CallbackUserAgent    = "chainwatch/1.0"
	CallbackStatusHeader = "X-Callback-Status"
	CallbackIDHeader     = "X-Callback-ID"
)

// Synchronizer
const (
	SyncMaxReorgDepth = 1000
)

// Graceful shutdown
const (
	ShutdownTimeout    = 10 * time.Second
	ServerReadTimeout  = 15 * time.Second
	ServerWriteTimeout = 30 * time.Second
)

// Logging
const (
	LogFilePattern = "chainwatch-%s.log" // date (YYYY-MM-DD)
	LogFilePrefix  = "chainwatch-"
	LogMaxAgeDays  = 14
)

// Pagination
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// API error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeValidation     = "validation_failed"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternal       = "internal_error"
)
