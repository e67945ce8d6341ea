package saga

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/activities"
)

// Step names as recorded in history.
const (
	StepVerifyInventory = "VerifyInventory"
	StepRequestApproval = "RequestApproval"
	StepProcessPayment  = "ProcessPayment"
	StepUpdateInventory = "UpdateInventory"
	StepNotify          = "Notify"
)

// Rejection labels recorded as the reason of a Rejected instance.
const (
	ReasonNoInventory   = "NoInventory"
	ReasonNotApproved   = "NotApproved"
	ReasonPaymentFailed = "PaymentFailed"
)

// Step is one entry of the fixed order pipeline.
//
// Evaluate reports whether the activity result lets the saga continue. An error
// means the payload could not be interpreted and is handled like a transport failure.
// Steps without a RejectLabel never stop the saga on a negative result.
type Step struct {
	Name           string
	Activity       string
	BuildInput     func(in OrderInput, prior []StepOutcome) (any, error)
	Evaluate       func(result json.RawMessage) (bool, error)
	RejectLabel    string
	FailureMessage func(orderID string) string
}

// Action is the next activity invocation selected by Replay.
type Action struct {
	Seq        int
	Step       string
	Activity   string
	Input      json.RawMessage
	Evaluate   func(result json.RawMessage) (bool, error)
	BestEffort bool
}

// Progress is the state derived from replaying a history.
type Progress struct {
	Status Status
	Reason string
	Next   *Action
}

// Definition is an ordered list of steps followed by a terminal notification.
type Definition struct {
	steps []Step
}

// NewDefinition builds a definition from explicit steps.
func NewDefinition(steps ...Step) *Definition {
	return &Definition{steps: append([]Step(nil), steps...)}
}

// OrderDefinition returns the order pipeline: inventory check, approval,
// payment, inventory update and a final notification.
func OrderDefinition() *Definition {
	return NewDefinition(
		Step{
			Name:     StepVerifyInventory,
			Activity: activities.VerifyInventory,
			BuildInput: func(in OrderInput, _ []StepOutcome) (any, error) {
				return activities.VerifyInventoryRequest{OrderID: in.OrderID, ItemID: in.ItemID, Qty: in.Qty}, nil
			},
			Evaluate: func(result json.RawMessage) (bool, error) {
				var res activities.VerifyInventoryResult
				err := decodeResult(result, &res)
				return res.Ok, err
			},
			RejectLabel: ReasonNoInventory,
			FailureMessage: func(orderID string) string {
				return fmt.Sprintf("Order %s failed: inventory not available.", orderID)
			},
		},
		Step{
			Name:     StepRequestApproval,
			Activity: activities.RequestApproval,
			BuildInput: func(in OrderInput, _ []StepOutcome) (any, error) {
				return activities.ApprovalRequest{OrderID: in.OrderID, Amount: in.Amount}, nil
			},
			Evaluate: func(result json.RawMessage) (bool, error) {
				var res activities.ApprovalResult
				err := decodeResult(result, &res)
				return res.Approved, err
			},
			RejectLabel: ReasonNotApproved,
			FailureMessage: func(orderID string) string {
				return fmt.Sprintf("Order %s rejected: not approved.", orderID)
			},
		},
		Step{
			Name:     StepProcessPayment,
			Activity: activities.ProcessPayment,
			BuildInput: func(in OrderInput, _ []StepOutcome) (any, error) {
				return activities.PaymentRequest{OrderID: in.OrderID, Amount: in.Amount}, nil
			},
			Evaluate: func(result json.RawMessage) (bool, error) {
				var res activities.PaymentResult
				err := decodeResult(result, &res)
				return res.Paid, err
			},
			RejectLabel: ReasonPaymentFailed,
			FailureMessage: func(orderID string) string {
				return fmt.Sprintf("Order %s failed: payment error.", orderID)
			},
		},
		Step{
			Name:     StepUpdateInventory,
			Activity: activities.UpdateInventory,
			BuildInput: func(in OrderInput, _ []StepOutcome) (any, error) {
				return activities.UpdateInventoryRequest{OrderID: in.OrderID, ItemID: in.ItemID, Qty: in.Qty}, nil
			},
			Evaluate: func(result json.RawMessage) (bool, error) {
				var res activities.UpdateInventoryResult
				err := decodeResult(result, &res)
				return res.Ok, err
			},
		},
	)
}

// Steps returns a copy of the business steps in execution order.
func (d *Definition) Steps() []Step {
	return append([]Step(nil), d.steps...)
}

// CompletedMessage is the notification sent when every step succeeded.
func CompletedMessage(orderID string) string {
	return fmt.Sprintf("Order %s completed.", orderID)
}

// Replay derives the instance status from its history and selects the next
// action. It consults nothing but the input and the recorded outcomes, so an
// identical history prefix always yields the identical next step.
func (d *Definition) Replay(input OrderInput, history []StepOutcome) (Progress, error) {
	pos := 0
	for _, step := range d.steps {
		if pos == len(history) {
			return d.next(step, input, history)
		}
		outcome := history[pos]
		if err := expectStep(outcome, pos, step.Name); err != nil {
			return Progress{}, err
		}
		pos++

		if outcome.Error != "" {
			if pos != len(history) {
				return Progress{}, fmt.Errorf("%w: entries recorded after failed step %s", ErrHistoryMismatch, step.Name)
			}
			return Progress{Status: StatusFailed, Reason: outcome.Error}, nil
		}
		if !outcome.Success && step.RejectLabel != "" {
			message := ""
			if step.FailureMessage != nil {
				message = step.FailureMessage(input.OrderID)
			}
			return finish(history, pos, StatusRejected, step.RejectLabel, message)
		}
	}
	return finish(history, pos, StatusCompleted, "", CompletedMessage(input.OrderID))
}

func (d *Definition) next(step Step, input OrderInput, history []StepOutcome) (Progress, error) {
	payload, err := step.BuildInput(input, history)
	if err != nil {
		return Progress{}, fmt.Errorf("build %s input: %w", step.Name, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Progress{}, fmt.Errorf("encode %s input: %w", step.Name, err)
	}
	return Progress{
		Status: StatusRunning,
		Next: &Action{
			Seq:      len(history),
			Step:     step.Name,
			Activity: step.Activity,
			Input:    raw,
			Evaluate: step.Evaluate,
		},
	}, nil
}

// finish expects a single trailing notification. Until it is recorded the
// instance stays Running with the notification as its next action.
func finish(history []StepOutcome, pos int, status Status, reason, message string) (Progress, error) {
	if pos == len(history) {
		raw, err := json.Marshal(activities.Notification{Message: message})
		if err != nil {
			return Progress{}, err
		}
		return Progress{
			Status: StatusRunning,
			Next: &Action{
				Seq:        pos,
				Step:       StepNotify,
				Activity:   activities.Notify,
				Input:      raw,
				BestEffort: true,
			},
		}, nil
	}
	if err := expectStep(history[pos], pos, StepNotify); err != nil {
		return Progress{}, err
	}
	if pos+1 != len(history) {
		return Progress{}, fmt.Errorf("%w: entries recorded after final notification", ErrHistoryMismatch)
	}
	return Progress{Status: status, Reason: reason}, nil
}

func expectStep(outcome StepOutcome, pos int, name string) error {
	if outcome.Seq != pos || outcome.Step != name {
		return fmt.Errorf("%w: entry %d is %s (seq %d), expected %s", ErrHistoryMismatch, pos, outcome.Step, outcome.Seq, name)
	}
	return nil
}

var errEmptyResult = errors.New("empty activity result")

func decodeResult(result json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errEmptyResult
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("decode activity result: %w", err)
	}
	return nil
}
