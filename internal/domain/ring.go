package domain

import "fmt"

// PatternType classifies how a ring was found.
type PatternType string

const (
	PatternCycle    PatternType = "cycle"
	PatternSmurfing PatternType = "smurfing"
)

// NoRing marks an account that belongs to no ring.
const NoRing = "NONE"

// FraudRing is a cluster of accounts exhibiting laundering topology.
// Rings are immutable once emitted.
type FraudRing struct {
	RingID         string      `json:"ring_id"`
	MemberAccounts []string    `json:"member_accounts"`
	PatternType    PatternType `json:"pattern_type"`
	RiskScore      float64     `json:"risk_score"`
}

// RingID formats the n-th ring identifier (1-based).
func RingID(n int) string {
	return fmt.Sprintf("RING_%03d", n)
}

// Contains reports whether account is a member of the ring.
func (r *FraudRing) Contains(account string) bool {
	for _, m := range r.MemberAccounts {
		if m == account {
			return true
		}
	}
	return false
}

// CycleStatus is the outcome of a bounded cycle search.
type CycleStatus string

const (
	CycleSearchOK             CycleStatus = "ok"
	CycleSearchBudgetExceeded CycleStatus = "budget_exceeded"
)

// CycleSearch summarises the cycle pass of a detection run.
type CycleSearch struct {
	Status      CycleStatus `json:"status"`
	CyclesFound int         `json:"cycles_found"`
	Reason      string      `json:"reason,omitempty"`
}
