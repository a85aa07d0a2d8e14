package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code,omitempty"`
}

// Complete reports whether the details are enough to create a payout recipient.
func (b BankDetails) Complete() bool {
	return strings.TrimSpace(b.AccountName) != "" &&
		strings.TrimSpace(b.AccountNumber) != "" &&
		strings.TrimSpace(b.BankName) != ""
}

type Withdrawal struct {
	ID            string           `json:"id"`
	SellerID      string           `json:"seller_id"`
	Amount        decimal.Decimal  `json:"amount"`
	BankDetails   BankDetails      `json:"bank_details"`
	Status        WithdrawalStatus `json:"status"`
	Reference     string           `json:"reference"`
	RecipientCode string           `json:"recipient_code,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	BankDetails BankDetails     `json:"bank_details"`
}
