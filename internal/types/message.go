package types

import (
	"fmt"
	"time"
)

// Party identifies one side of a Pix transfer
type Party struct {
	// Name is the account holder's name
	Name string
	// TaxID is the CPF or CNPJ of the account holder
	TaxID string
	// ISPB is the 8 character identifier of the institution holding the account
	ISPB string
	// Branch is the account branch number
	Branch string
	// Account is the transactional account number
	Account string
	// AccountType is the kind of account. Examples: 'CACC', 'SVGS'
	AccountType string
}

// Message is the store and stream representation of a single Pix message.
type Message struct {
	// ID is unique to each message in the data store and is assigned by the store when the
	// message is added. IDs sort in the order messages were added.
	ID string
	// EndToEndID is the globally unique end-to-end identifier of the transfer
	EndToEndID string
	// Amount is the transfer amount in cents
	Amount int64
	// Payer is the party who sent the transfer
	Payer Party
	// Payee is the party who receives the transfer. Payee.ISPB is the partition key.
	Payee Party
	// FreeText is a free-form annotation attached by the payer
	FreeText string
	// TxID is the transaction identifier
	TxID string
	// PaidAt is the settlement timestamp of the transfer
	PaidAt time.Time
	// CreatedAt is the time stamp when this message was added to the store
	CreatedAt time.Time

	// Claimed is true once the message has been handed to a stream. It never reverts.
	Claimed bool
	// ClaimedBy is the id of the session which claimed the message. It is empty if the
	// message was claimed by a poll which had no session.
	ClaimedBy string
	// ClaimedAt is the time the message was claimed
	ClaimedAt time.Time
}

// ISPB returns the partition key of the message
func (m *Message) ISPB() string {
	return m.Payee.ISPB
}

func (m *Message) Compare(r *Message) bool {
	if m.ID != r.ID {
		return false
	}
	if m.EndToEndID != r.EndToEndID {
		return false
	}
	if m.Amount != r.Amount {
		return false
	}
	if m.Payer != r.Payer || m.Payee != r.Payee {
		return false
	}
	if m.FreeText != r.FreeText || m.TxID != r.TxID {
		return false
	}
	if m.PaidAt.Compare(r.PaidAt) != 0 {
		return false
	}
	if m.Claimed != r.Claimed || m.ClaimedBy != r.ClaimedBy {
		return false
	}
	return true
}

const (
	// MaxAmountDigits is the number of digits allowed before the decimal point of an amount
	MaxAmountDigits = 8
	// MaxAmount is the largest amount in cents, 99999999.99
	MaxAmount int64 = 99_999_999_99
)

// FormatAmount renders cents as a decimal string with two places. Example: 10050 -> "100.50"
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
