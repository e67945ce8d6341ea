package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StubTable returns local activity implementations that reserve, approve,
// charge and notify unconditionally. They only log what they were asked to do.
func StubTable(logf func(string, ...any)) Table {
	if logf == nil {
		logf = log.Printf
	}
	return Table{
		VerifyInventory: Typed(func(_ context.Context, req VerifyInventoryRequest) (VerifyInventoryResult, error) {
			msg := fmt.Sprintf("Qty %d reserved for %s", req.Qty, req.ItemID)
			logf("activity %s: %s", VerifyInventory, msg)
			return VerifyInventoryResult{Ok: true, Message: msg}, nil
		}),
		RequestApproval: Typed(func(_ context.Context, req ApprovalRequest) (ApprovalResult, error) {
			logf("activity %s: auto-approved for %s", RequestApproval, req.OrderID)
			return ApprovalResult{Approved: true, Note: "auto-approved"}, nil
		}),
		ProcessPayment: Typed(func(_ context.Context, req PaymentRequest) (PaymentResult, error) {
			logf("activity %s: %.2f for %s", ProcessPayment, req.Amount, req.OrderID)
			return PaymentResult{Paid: true, TxnID: fmt.Sprintf("charged %.2f for %s", req.Amount, req.OrderID)}, nil
		}),
		UpdateInventory: Typed(func(_ context.Context, req UpdateInventoryRequest) (UpdateInventoryResult, error) {
			logf("activity %s: %d for %s in order %s", UpdateInventory, req.Qty, req.ItemID, req.OrderID)
			return UpdateInventoryResult{Ok: true}, nil
		}),
		Notify: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			var note Notification
			if err := json.Unmarshal(input, &note); err != nil {
				return nil, fmt.Errorf("decode notification: %w", err)
			}
			logf("activity %s: %s", Notify, note.Message)
			return nil, nil
		},
	}
}

// RegisterRoutes exposes every entry of the table as POST /{activity}.
// Handler errors answer 500 so HTTP callers see them as transport failures.
func (t Table) RegisterRoutes(r chi.Router) {
	for name := range t {
		activity := name
		r.Post("/"+activity, func(w http.ResponseWriter, req *http.Request) {
			body, err := io.ReadAll(io.LimitReader(req.Body, maxResultBytes))
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if !json.Valid(body) {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			out, err := t.Invoke(req.Context(), activity, body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if len(out) == 0 {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(out)
		})
	}
}
