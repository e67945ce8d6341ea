package saga

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

// Status captures the current state of an order saga instance.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusRejected  Status = "Rejected"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether no further steps execute in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// OrderInput is the immutable request an instance is created from.
type OrderInput struct {
	OrderID string  `json:"orderId,omitempty"`
	ItemID  string  `json:"itemId"`
	Qty     int     `json:"qty"`
	Amount  float64 `json:"amount"`
}

var ErrInvalidInput = errors.New("invalid order input")

// Validate checks the fields a caller must supply. OrderID may be empty, in
// which case one is generated; a supplied id must be addressable as a single
// path segment.
func (in OrderInput) Validate() error {
	if in.OrderID != "" {
		if strings.TrimSpace(in.OrderID) != in.OrderID {
			return errors.Join(ErrInvalidInput, errors.New("orderId must not be blank or padded with whitespace"))
		}
		if strings.Contains(in.OrderID, "/") {
			return errors.Join(ErrInvalidInput, errors.New("orderId must not contain '/'"))
		}
	}
	if strings.TrimSpace(in.ItemID) == "" {
		return errors.Join(ErrInvalidInput, errors.New("itemId is required"))
	}
	if in.Qty < 1 {
		return errors.Join(ErrInvalidInput, errors.New("qty must be positive"))
	}
	if in.Amount < 0 || math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
		return errors.Join(ErrInvalidInput, errors.New("amount must be a non-negative number"))
	}
	return nil
}

// StepOutcome is one recorded history entry. Entries are never mutated once written.
type StepOutcome struct {
	Seq       int             `json:"seq"`
	Step      string          `json:"step"`
	Activity  string          `json:"activity"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is what an InstanceStore keeps per instance.
type Record struct {
	ID        string
	Input     OrderInput
	History   []StepOutcome
	Status    Status
	Reason    string
	CreatedAt time.Time
}

// Instance is the replayed view of a saga instance.
type Instance struct {
	ID        string        `json:"instanceId"`
	Input     OrderInput    `json:"input"`
	History   []StepOutcome `json:"history"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Terminal  bool          `json:"terminal"`
	CreatedAt time.Time     `json:"createdAt"`
}

// InstanceStore persists instance inputs, step history and the last known status.
//
// Append must be atomic per instance: an outcome whose Seq is not the current
// history length, or one racing another writer, fails with ErrInstanceConflict.
type InstanceStore interface {
	Create(ctx context.Context, id string, input OrderInput) error
	Append(ctx context.Context, id string, outcome StepOutcome) error
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error
	Load(ctx context.Context, id string) (Record, error)
	ListRunning(ctx context.Context) ([]string, error)
}

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceConflict = errors.New("instance conflict")
	ErrHistoryMismatch  = errors.New("history does not match saga definition")
)

// Event describes one change to an instance: a recorded step, or a status
// transition when Outcome is nil.
type Event struct {
	InstanceID string       `json:"instanceId"`
	Outcome    *StepOutcome `json:"outcome,omitempty"`
	Status     Status       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Terminal   bool         `json:"terminal"`
	At         time.Time    `json:"at"`
}
