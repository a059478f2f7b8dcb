package audit

import (
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// VerificationRecord is one payment-verification outcome in the audit log.
// The proof itself is ephemeral; this record is the only trace kept.
type VerificationRecord struct {
	ID        string           `json:"id"`
	Network   string           `json:"network"`
	Scheme    string           `json:"scheme"`
	Payer     string           `json:"payer"`
	Asset     settlement.Asset `json:"asset"`
	Amount    string           `json:"amount"`
	Outcome   string           `json:"outcome"` // "valid" or the failure code
	Signature string           `json:"signature"`
	CreatedAt time.Time        `json:"created_at"`
}

// Recorder accepts verification records for asynchronous persistence.
type Recorder interface {
	Record(rec VerificationRecord)
}
