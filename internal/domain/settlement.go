package domain

import "time"

// IntentStatus tracks a settlement intent through the chain.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentConfirming IntentStatus = "confirming"
	IntentSettled    IntentStatus = "settled"
	IntentFailed     IntentStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentSettled || s == IntentFailed
}

// IntentKind distinguishes operator-submitted from user-submitted settlement.
type IntentKind string

const (
	IntentGasless IntentKind = "gasless"
	IntentOnchain IntentKind = "onchain"
)

// SettlementIntent bridges a match or meta-transaction to an on-chain effect.
type SettlementIntent struct {
	ID          string       `json:"id"`
	Kind        IntentKind   `json:"kind"`
	UserAddress string       `json:"userAddress"`
	Market      string       `json:"market"`
	ChainID     int64        `json:"chainId"`
	OrderID     string       `json:"orderId"`
	FillAmount  Amount       `json:"fillAmount"`
	CostUSDC    Amount       `json:"costUsdc"`
	Status      IntentStatus `json:"status"`
	TxHash      string       `json:"txHash,omitempty"`
	PermitTx    string       `json:"permitTx,omitempty"` // permit already broadcast for this intent
	Error       string       `json:"error,omitempty"`
	Attempts    int          `json:"attempts"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Permit is an EIP-2612 spend authorization for the collateral token.
type Permit struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Value     Amount `json:"value"`
	Nonce     Amount `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

// GaslessRequest asks the operator to submit a signed order fill on the user's behalf.
type GaslessRequest struct {
	Order          Order   `json:"order"`
	FillAmount     Amount  `json:"fillAmount"`
	Permit         *Permit `json:"permit,omitempty"`
	UserAddress    string  `json:"userAddress"`
	SourceIP       string  `json:"-"`
	IdempotencyKey string  `json:"-"`
}

// AuditEntry records an operator-visible action.
type AuditEntry struct {
	ID        int64
	Event     string
	Actor     string
	Details   map[string]any
	CreatedAt time.Time
}
