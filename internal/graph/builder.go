package graph

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Build constructs a fresh graph from transfers in input order. Each call
// produces an independent graph; nothing carries over between builds.
//
// Records that reach Build without a sender, receiver or timestamp, or
// with a non-finite amount, fail the whole build with a *domain.ParseError.
func Build(transfers []domain.Transfer) (*Graph, error) {
	g := newGraph(len(transfers))
	for i, t := range transfers {
		if err := validate(i+1, t); err != nil {
			return nil, err
		}
		g.addTransfer(t.SenderID, t.ReceiverID, t.Amount, t.Timestamp)
	}
	return g, nil
}

func validate(record int, t domain.Transfer) error {
	switch {
	case t.SenderID == "":
		return &domain.ParseError{Record: record, Field: domain.FieldSenderID, Reason: "missing value"}
	case t.ReceiverID == "":
		return &domain.ParseError{Record: record, Field: domain.FieldReceiverID, Reason: "missing value"}
	case t.Timestamp == "":
		return &domain.ParseError{Record: record, Field: domain.FieldTimestamp, Reason: "missing value"}
	case math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0):
		return &domain.ParseError{Record: record, Field: domain.FieldAmount, Value: fmt.Sprint(t.Amount), Reason: "amount is not numeric"}
	}
	return nil
}
