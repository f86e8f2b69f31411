package models

import "testing"

func TestTransactionStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TransactionStatus
		terminal bool
	}{
		{TransactionStatusPending, false},
		{TransactionStatusAwaiting, false},
		{TransactionStatusCompleted, true},
		{TransactionStatusFailed, true},
		{TransactionStatusCancelled, true},
		{TransactionStatusRefunded, true},
	}
	for _, tc := range tests {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v, expected %v", tc.status, got, tc.terminal)
		}
	}
}

func TestTransactionStatusAllowedPredecessors(t *testing.T) {
	contains := func(set []TransactionStatus, s TransactionStatus) bool {
		for _, v := range set {
			if v == s {
				return true
			}
		}
		return false
	}

	tests := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TransactionStatusPending, TransactionStatusAwaiting, true},
		{TransactionStatusPending, TransactionStatusCompleted, true},
		{TransactionStatusPending, TransactionStatusFailed, true},
		{TransactionStatusAwaiting, TransactionStatusCompleted, true},
		{TransactionStatusAwaiting, TransactionStatusCancelled, true},
		{TransactionStatusCompleted, TransactionStatusRefunded, true},

		// Terminal states never move forward except completed -> refunded
		{TransactionStatusCompleted, TransactionStatusFailed, false},
		{TransactionStatusFailed, TransactionStatusCompleted, false},
		{TransactionStatusCancelled, TransactionStatusCompleted, false},
		{TransactionStatusRefunded, TransactionStatusCompleted, false},
		{TransactionStatusFailed, TransactionStatusRefunded, false},

		// No transition back into pending
		{TransactionStatusAwaiting, TransactionStatusPending, false},
	}
	for _, tc := range tests {
		got := contains(tc.to.AllowedPredecessors(), tc.from)
		if got != tc.allowed {
			t.Errorf("%s -> %s allowed = %v, expected %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestProjectDonationStatus(t *testing.T) {
	tests := []struct {
		tx       TransactionStatus
		donation DonationStatus
	}{
		{TransactionStatusPending, DonationStatusPending},
		{TransactionStatusAwaiting, DonationStatusPending},
		{TransactionStatusCompleted, DonationStatusCompleted},
		{TransactionStatusFailed, DonationStatusFailed},
		{TransactionStatusCancelled, DonationStatusCancelled},
		{TransactionStatusRefunded, DonationStatusRefunded},
	}
	for _, tc := range tests {
		if got := ProjectDonationStatus(tc.tx); got != tc.donation {
			t.Errorf("ProjectDonationStatus(%s) = %s, expected %s", tc.tx, got, tc.donation)
		}
	}
}
