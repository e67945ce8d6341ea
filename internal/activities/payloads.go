// Package activities holds the remote activity contracts invoked by the order
// saga and the clients used to reach an activity executor.
package activities

// Activity names as exposed by the executor.
const (
	VerifyInventory = "verify-inventory"
	RequestApproval = "request-approval"
	ProcessPayment  = "process-payment"
	UpdateInventory = "update-inventory"
	Notify          = "notify"
)

// Names lists every activity in saga order.
var Names = []string{VerifyInventory, RequestApproval, ProcessPayment, UpdateInventory, Notify}

type VerifyInventoryRequest struct {
	OrderID string `json:"orderId"`
	ItemID  string `json:"itemId"`
	Qty     int    `json:"qty"`
}

type VerifyInventoryResult struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type ApprovalRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type ApprovalResult struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

type PaymentRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type PaymentResult struct {
	Paid  bool   `json:"paid"`
	TxnID string `json:"txnId,omitempty"`
}

type UpdateInventoryRequest struct {
	OrderID string `json:"orderId"`
	ItemID  string `json:"itemId"`
	Qty     int    `json:"qty"`
}

type UpdateInventoryResult struct {
	Ok bool `json:"ok"`
}

type Notification struct {
	Message string `json:"message"`
}
