package donations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/models"
)

// DonationView is the externally visible projection of a donation.
type DonationView struct {
	ID             uuid.UUID             `json:"id"`
	CampaignID     uuid.UUID             `json:"campaignId"`
	DonorID        *uuid.UUID            `json:"donorId,omitempty"`
	Amount         string                `json:"amount"`
	Asset          string                `json:"asset"`
	FiatAmount     string                `json:"fiatAmount,omitempty"`
	FiatCurrency   string                `json:"fiatCurrency,omitempty"`
	Type           models.DonationType   `json:"type"`
	Status         models.DonationStatus `json:"status"`
	Anonymous      bool                  `json:"anonymous"`
	Message        string                `json:"message,omitempty"`
	Hash           string                `json:"transactionHash,omitempty"`
	SubscriptionID *uuid.UUID            `json:"subscriptionId,omitempty"`
	FailureReason  string                `json:"failureReason,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
}

// TransactionView is the projection of the ledger row backing a donation.
type TransactionView struct {
	ID             uuid.UUID         `json:"id"`
	Hash           string            `json:"hash,omitempty"`
	Status         models.TxStatus   `json:"status"`
	SourceAccount  string            `json:"sourceAccount,omitempty"`
	Destination    string            `json:"destinationAccount"`
	LedgerSequence int64             `json:"ledgerSequence,omitempty"`
	ErrorCode      string            `json:"errorCode,omitempty"`
	LastChecked    *time.Time        `json:"lastChecked,omitempty"`
	History        []HistoryEntryView `json:"history"`
}

// HistoryEntryView is one status history entry.
type HistoryEntryView struct {
	Status models.TxStatus `json:"status"`
	Detail string          `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// Details bundles a donation with its ledger transaction.
type Details struct {
	Donation    DonationView     `json:"donation"`
	Transaction *TransactionView `json:"transaction,omitempty"`
}

// GetTransactionDetails returns the donation and its ledger status history.
// Anonymous donations omit the donor and the paying wallet.
func (e *Engine) GetTransactionDetails(ctx context.Context, donationID uuid.UUID) (*Details, error) {
	var donation models.Donation
	if err := e.db.WithContext(ctx).First(&donation, "id = ?", donationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, donationID)
		}
		return nil, fmt.Errorf("donations: load donation: %w", err)
	}
	view := DonationView{
		ID:             donation.ID,
		CampaignID:     donation.CampaignID,
		Amount:         domain.FormatAmount(donation.Amount),
		Asset:          donation.Asset,
		FiatCurrency:   donation.FiatCurrency,
		Type:           donation.Type,
		Status:         donation.Status,
		Anonymous:      donation.Anonymous,
		Message:        donation.Message,
		Hash:           donation.TransactionHash,
		SubscriptionID: donation.SubscriptionID,
		FailureReason:  donation.FailureReason,
		CreatedAt:      donation.CreatedAt,
		CompletedAt:    donation.CompletedAt,
	}
	if donation.FiatAmount.Valid {
		view.FiatAmount = donation.FiatAmount.Decimal.StringFixed(2)
	}
	if !donation.Anonymous {
		donor := donation.DonorID
		view.DonorID = &donor
	}
	details := &Details{Donation: view}
	if donation.LedgerTransactionID == nil {
		return details, nil
	}
	row, err := e.tracker.Get(ctx, *donation.LedgerTransactionID)
	if err != nil {
		return nil, err
	}
	tx := &TransactionView{
		ID:             row.ID,
		Hash:           row.HashValue(),
		Status:         row.Status,
		Destination:    row.DestinationAccount,
		LedgerSequence: row.LedgerSequence,
		ErrorCode:      row.ErrorCode,
		LastChecked:    row.LastChecked,
		History:        make([]HistoryEntryView, 0, len(row.History)),
	}
	if !donation.Anonymous {
		tx.SourceAccount = row.SourceAccount
	}
	for _, ev := range row.History {
		tx.History = append(tx.History, HistoryEntryView{Status: ev.Status, Detail: ev.Detail, At: ev.CreatedAt})
	}
	details.Transaction = tx
	return details, nil
}
