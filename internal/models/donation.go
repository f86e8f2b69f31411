package models

import (
	"time"
)

// DonationStatus is the donor-facing projection of a transaction status
type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "pending"
	DonationStatusCompleted DonationStatus = "completed"
	DonationStatusFailed    DonationStatus = "failed"
	DonationStatusCancelled DonationStatus = "cancelled"
	DonationStatusRefunded  DonationStatus = "refunded"
)

// ProjectDonationStatus maps a transaction status onto the donor-facing
// projection. The mapping is deterministic; Donation.Status never diverges
// from it while a transaction link exists.
func ProjectDonationStatus(s TransactionStatus) DonationStatus {
	switch s {
	case TransactionStatusCompleted:
		return DonationStatusCompleted
	case TransactionStatusFailed:
		return DonationStatusFailed
	case TransactionStatusCancelled:
		return DonationStatusCancelled
	case TransactionStatusRefunded:
		return DonationStatusRefunded
	}
	return DonationStatusPending
}

// Donation is the public projection of a transaction. A transaction may
// exist without a donation (provisional or failed attempts) and legacy
// imported donations may exist without a transaction.
type Donation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID uint   `gorm:"index" json:"organization_id"`
	FundraiserID   *uint  `gorm:"index" json:"fundraiser_id,omitempty"`
	TransactionID  string `gorm:"type:varchar(64);index" json:"transaction_id,omitempty"`

	DonorName    string `gorm:"type:varchar(255)" json:"donor_name"`
	DonorEmail   string `gorm:"type:varchar(255)" json:"donor_email"`
	DonorPhone   string `gorm:"type:varchar(50)" json:"donor_phone"`
	IsAnonymous  bool   `gorm:"default:false" json:"is_anonymous"`
	Message      string `gorm:"type:text" json:"message"`
	WantsReceipt bool   `gorm:"default:false" json:"wants_receipt"`

	Amount   int64          `json:"amount"`
	Currency string         `gorm:"type:char(3)" json:"currency"`
	Status   DonationStatus `gorm:"type:varchar(30);index;default:'pending'" json:"status"`
}
