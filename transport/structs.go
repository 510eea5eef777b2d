package transport

import (
	"strings"
	"time"
)

const (
	ContentTypeJSON      = "application/json"
	ContentTypeMultipart = "multipart/json"
	ContentTypeHealth    = "application/health+json"

	// HeaderPullNext carries the path a consumer must call to continue or close its stream
	HeaderPullNext = "Pull-Next"
)

// Party is the wire form of one side of a Pix transfer
type Party struct {
	Name        string `json:"nome"`
	TaxID       string `json:"cpfCnpj"`
	ISPB        string `json:"ispb"`
	Branch      string `json:"agencia"`
	Account     string `json:"contaTransacional"`
	AccountType string `json:"tipoConta"`
}

// PixMessage is the wire form of a Pix message as delivered to stream consumers and
// accepted from producers. Amount is a decimal string with two places. Example: "100.50"
type PixMessage struct {
	EndToEndID string    `json:"endToEndId"`
	Amount     string    `json:"valor"`
	Payer      Party     `json:"pagador"`
	Payee      Party     `json:"recebedor"`
	FreeText   string    `json:"campoLivre"`
	TxID       string    `json:"txId"`
	PaidAt     time.Time `json:"dataHoraPagamento"`
}

// StoredMessage is a PixMessage along with its storage and claim state
type StoredMessage struct {
	ID string `json:"id"`
	PixMessage
	Claimed   bool       `json:"claimed"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type StreamRequest struct {
	// ISPB is the partition the stream pulls messages from
	ISPB string
	// InteractionID is the id from the previous Pull-Next header. Empty on start.
	InteractionID string
	// Batch is true if the consumer accepts the multipart/json representation
	Batch bool
}

type StreamResponse struct {
	// InteractionID is the id the consumer must use on its next call
	InteractionID string
	// Messages are the claimed messages; empty if nothing was available
	Messages []*PixMessage
}

type ProduceRequest struct {
	ISPB     string
	Messages []*PixMessage
}

type ListRequest struct {
	ISPB  string
	Pivot string
	Limit int
}

type ListResponse struct {
	Items []*StoredMessage `json:"items"`
}

type StreamStats struct {
	ISPB      string `json:"ispb"`
	Active    int    `json:"active"`
	MaxActive int    `json:"maxActive"`
}

// NegotiateBatch returns true if the Accept header asks for the batch representation
func NegotiateBatch(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		if strings.EqualFold(strings.TrimSpace(mediaType), ContentTypeMultipart) {
			return true
		}
	}
	return false
}

// PullNext returns the Pull-Next header value for the interaction id
func PullNext(ispb, interactionID string) string {
	return "/api/pix/" + ispb + "/stream/" + interactionID
}
