package domain

import "time"

// Principal identifies the billing subject: a business, or one of its customers.
type Principal struct {
	BusinessID string
	CustomerID string
}

// Operation is a metered class of work with its own token price.
type Operation string

const (
	OperationNone  Operation = ""
	OperationImage Operation = "image"
	OperationVideo Operation = "video"
)

// OperationFor returns the metered operation a job type is billed as.
// RunPrediction is unmetered.
func OperationFor(t JobType) Operation {
	switch t {
	case JobTypeVideoPipeline:
		return OperationVideo
	case JobTypeAutoMaskPredict, JobTypeAvatar, JobTypeGenerateOutfit, JobTypeEditGarment:
		return OperationImage
	default:
		return OperationNone
	}
}

// PlatformSettings carries per-operation token prices.
type PlatformSettings struct {
	ImageTokenPrice int64 `json:"image_token_price"`
	VideoTokenPrice int64 `json:"video_token_price"`
}

// Price returns the token price of op.
func (s PlatformSettings) Price(op Operation) int64 {
	switch op {
	case OperationImage:
		return s.ImageTokenPrice
	case OperationVideo:
		return s.VideoTokenPrice
	default:
		return 0
	}
}

// CreditAccount is the spendable balance of a principal. Reserved tokens are
// held by in-flight jobs and are not spendable by other jobs.
type CreditAccount struct {
	Principal Principal
	Balance   int64
	Reserved  int64
	UpdatedAt time.Time
}

// Available returns the balance not held by in-flight jobs.
func (a CreditAccount) Available() int64 {
	return a.Balance - a.Reserved
}

// LedgerEntry records one debit or credit against an account.
type LedgerEntry struct {
	Principal    Principal
	JobID        string
	Operation    Operation
	Amount       int64
	BalanceAfter int64
	CreatedAt    time.Time
	// Replayed is set when Commit found an earlier debit for the same job and
	// only dropped the new reservation.
	Replayed bool
}
