package domain

import (
	"errors"
	"fmt"
)

// Transfer is a single money-transfer record from a ledger.
// Account identifiers are opaque strings; the timestamp is carried verbatim
// and never parsed as a date.
type Transfer struct {
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Amount     float64 `json:"amount"`
	Timestamp  string  `json:"timestamp"`
}

// TransferRequest is the API payload for JSON ledger submission.
type TransferRequest struct {
	Transactions []RawTransfer `json:"transactions"`
}

// RawTransfer is a transfer as supplied by a client, before coercion.
// Fields are kept loose so that ids may arrive as numbers and amounts as
// numeric strings, the same way a CSV column would.
type RawTransfer struct {
	SenderID   any `json:"sender_id"`
	ReceiverID any `json:"receiver_id"`
	Amount     any `json:"amount"`
	Timestamp  any `json:"timestamp"`
}

// Ledger column names.
const (
	FieldSenderID   = "sender_id"
	FieldReceiverID = "receiver_id"
	FieldAmount     = "amount"
	FieldTimestamp  = "timestamp"
)

// RequiredFields lists the columns every ledger record must carry.
var RequiredFields = []string{FieldSenderID, FieldReceiverID, FieldAmount, FieldTimestamp}

// ErrParse is matched by every *ParseError via errors.Is.
var ErrParse = errors.New("ledger parse error")

// ParseError reports a malformed ledger record.
type ParseError struct {
	// Record is the 1-based data record number (header excluded).
	Record int
	Field  string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Record == 0 {
		return fmt.Sprintf("ledger: %s", e.Reason)
	}
	if e.Value != "" {
		return fmt.Sprintf("ledger record %d: field %q: %s (%q)", e.Record, e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("ledger record %d: field %q: %s", e.Record, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrParse) succeed for any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
