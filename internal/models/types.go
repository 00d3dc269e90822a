package models

import (
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// PropertyID identifies a token type tracked by balance rules.
// Property 0 is the chain's native coin.
type PropertyID int32

// PropertyNative is the native coin of the watched chain.
const PropertyNative PropertyID = 0

// TokenChange is one address's balance delta contributed by a transaction.
type TokenChange struct {
	Address  string
	Property PropertyID
	Amount   int64
}

// Transaction is the engine-level view of a confirmed transaction: its hash
// plus the balance changes it causes. Payload decoding happens upstream.
type Transaction struct {
	Hash    chainhash.Hash
	Changes []TokenChange
}

// Block is one block as seen by the watchers. Transactions is nil on the
// removal path; only the hash and height matter when a block leaves the chain.
type Block struct {
	Hash         chainhash.Hash
	Height       int32
	Previous     chainhash.Hash
	Transactions []*Transaction
}

// RuleStatus is the terminal state machine of a transaction confirmation rule.
// Transitions are one-way: PENDING -> SUCCESS or PENDING -> TIMEOUT.
type RuleStatus string

const (
	RuleStatusPending RuleStatus = "PENDING"
	RuleStatusSuccess RuleStatus = "SUCCESS"
	RuleStatusTimeout RuleStatus = "TIMEOUT"
)

// TransactionRule waits for a specific transaction to reach a confirmation
// count before its timeout elapses.
type TransactionRule struct {
	ID               uuid.UUID       `json:"id"`
	TxHash           chainhash.Hash  `json:"transactionHash"`
	Confirmations    int32           `json:"confirmations"`
	OriginalTimeout  time.Duration   `json:"originalTimeout"`
	RemainingTimeout time.Duration   `json:"remainingTimeout"`
	SuccessPayload   json.RawMessage `json:"successPayload"`
	TimeoutPayload   json.RawMessage `json:"timeoutPayload"`
	CallbackID       uuid.UUID       `json:"callbackId"`
	Status           RuleStatus      `json:"status"`
	CurrentWatchID   *uuid.UUID      `json:"currentWatchId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// WatchStatus is the state of a single transaction watch.
type WatchStatus string

const (
	WatchStatusPending  WatchStatus = "PENDING"
	WatchStatusSuccess  WatchStatus = "SUCCESS"
	WatchStatusRejected WatchStatus = "REJECTED"
)

// TransactionWatch is one anchored observation of a rule's transaction,
// accruing confirmations from its start block. A rule has at most one
// pending watch at any time.
type TransactionWatch struct {
	ID          uuid.UUID      `json:"id"`
	RuleID      uuid.UUID      `json:"ruleId"`
	StartBlock  chainhash.Hash `json:"startBlock"`
	StartHeight int32          `json:"startHeight"`
	StartTime   time.Time      `json:"startTime"`
	Status      WatchStatus    `json:"status"`

	// Rule is populated by list queries that join the owning rule.
	Rule *TransactionRule `json:"-"`
}

// BalanceRuleStatus is the terminal state machine of a balance watch rule.
type BalanceRuleStatus string

const (
	BalanceRuleUncompleted BalanceRuleStatus = "UNCOMPLETED"
	BalanceRuleSucceeded   BalanceRuleStatus = "SUCCEEDED"
	BalanceRuleTimedOut    BalanceRuleStatus = "TIMED_OUT"
)

// BalanceRule waits for an address to receive a cumulative token amount,
// with every contributing transaction independently confirmed.
type BalanceRule struct {
	ID                 uuid.UUID         `json:"id"`
	Property           PropertyID        `json:"property"`
	Address            string            `json:"address"`
	TargetAmount       int64             `json:"targetAmount"`
	TargetConfirmation int32             `json:"targetConfirmation"`
	OriginalTimeout    time.Duration     `json:"originalTimeout"`
	RemainingTimeout   time.Duration     `json:"remainingTimeout"`
	TimeoutStatus      string            `json:"timeoutStatus"`
	CallbackID         *uuid.UUID        `json:"callbackId,omitempty"`
	Status             BalanceRuleStatus `json:"status"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// BalanceWatchStatus is the state of a single balance watch.
type BalanceWatchStatus string

const (
	BalanceWatchUncompleted BalanceWatchStatus = "UNCOMPLETED"
	BalanceWatchSucceeded   BalanceWatchStatus = "SUCCEEDED"
	BalanceWatchRejected    BalanceWatchStatus = "REJECTED"
	BalanceWatchTimedOut    BalanceWatchStatus = "TIMED_OUT"
)

// BalanceWatch tracks one transaction's contribution to a balance rule.
// Several watches for the same rule coexist until their confirmed sum
// reaches the rule's target.
type BalanceWatch struct {
	ID            uuid.UUID          `json:"id"`
	RuleID        uuid.UUID          `json:"ruleId"`
	TxHash        chainhash.Hash     `json:"transactionHash"`
	StartBlock    chainhash.Hash     `json:"startBlock"`
	StartHeight   int32              `json:"startHeight"`
	StartTime     time.Time          `json:"startTime"`
	BalanceChange int64              `json:"balanceChange"`
	Confirmation  int32              `json:"confirmation"`
	Status        BalanceWatchStatus `json:"status"`

	// Rule is populated by list queries that join the owning rule.
	Rule *BalanceRule `json:"-"`
}

// Callback is a registered HTTP endpoint notified when a rule resolves.
type Callback struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// Callback result statuses shared by both rule types. Balance rules may
// carry a custom timeout status label instead of CallbackStatusTimeout.
const (
	CallbackStatusSuccess = "success"
	CallbackStatusTimeout = "timeout"
)

// CallbackResult is the payload delivered to a callback endpoint.
type CallbackResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CallbackInvocation is one append-only record of a delivery attempt.
type CallbackInvocation struct {
	ID         int64     `json:"id"`
	CallbackID uuid.UUID `json:"callbackId"`
	Status     string    `json:"status"`
	Payload    []byte    `json:"-"`
	Delivered  bool      `json:"delivered"`
	Error      *string   `json:"error,omitempty"`
	InvokedAt  time.Time `json:"invokedAt"`
}

// BalanceRuleResult is the data section of a balance rule's success callback.
type BalanceRuleResult struct {
	Property        PropertyID `json:"property"`
	Address         string     `json:"address"`
	ConfirmedAmount int64      `json:"confirmedAmount"`
	TargetAmount    int64      `json:"targetAmount"`
}
