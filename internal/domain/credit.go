package domain

import "time"

type TxType string

const (
	TxUse        TxType = "USE"
	TxCharge     TxType = "CHARGE"
	TxRefund     TxType = "REFUND"
	TxAdminGrant TxType = "ADMIN_GRANT"
)

// CreditTransaction is an immutable ledger row. Amount is signed: USE rows
// are negative, all other types positive. A user's balance is the sum of
// their amounts, and BalanceAfter snapshots that sum at write time.
type CreditTransaction struct {
	ID           string
	UserID       string
	JobID        string // empty for manual grants and charges
	Type         TxType
	Amount       int64
	BalanceAfter int64
	Description  string
	CreatedAt    time.Time
}
