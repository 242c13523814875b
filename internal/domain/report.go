package domain

import (
	"time"
)

// Report is the assembled, read-only result of one ledger analysis.
type Report struct {
	AnalysisID string    `json:"analysis_id"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`

	Nodes              []NodeEntry         `json:"nodes"`
	Edges              []EdgeEntry         `json:"edges"`
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Summary            Summary             `json:"summary"`

	CycleSearch CycleSearch `json:"cycle_search"`
}

// NodeEntry describes one account.
type NodeEntry struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	RiskScore int            `json:"risk_score"`
	Metrics   AccountMetrics `json:"metrics"`
	RingID    string         `json:"ring_id"`
	RuleFlags []string       `json:"rule_flags,omitempty"`
}

// EdgeEntry is one aggregated transfer edge.
type EdgeEntry struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Amount float64 `json:"amount"`
}

// SuspiciousAccount is an account flagged by score or ring membership.
type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   float64  `json:"suspicion_score"`
	DetectedPatterns []string `json:"detected_patterns"`
	RingID           string   `json:"ring_id"`
}

// Summary holds report-level counts.
type Summary struct {
	TotalAccountsAnalyzed     int     `json:"total_accounts_analyzed"`
	SuspiciousAccountsFlagged int     `json:"suspicious_accounts_flagged"`
	FraudRingsDetected        int     `json:"fraud_rings_detected"`
	ProcessingTimeSeconds     float64 `json:"processing_time_seconds"`
}

// Pattern tags that are not ring pattern types.
const (
	TagHighVelocity    = "high_velocity"
	TagLowLevelAnomaly = "low_level_anomaly"
)

// AccountDetail is the per-account view served by the API.
type AccountDetail struct {
	Node        NodeEntry `json:"node"`
	Rings       []string  `json:"rings"`
	Explanation string    `json:"explanation"`
}

// ExplainRequest asks for a narrative explanation of one account.
type ExplainRequest struct {
	NodeID    string         `json:"node_id"`
	RiskScore int            `json:"risk_score"`
	Metrics   AccountMetrics `json:"metrics"`
}

// ExplainResponse carries the generated explanation.
type ExplainResponse struct {
	Explanation string `json:"explanation"`
}

// AnalysisEvent is published on the bus after an analysis finishes.
type AnalysisEvent struct {
	AnalysisID  string      `json:"analysisId"`
	TenantID    string      `json:"tenantId"`
	Summary     Summary     `json:"summary"`
	CycleSearch CycleSearch `json:"cycleSearch"`
	Error       string      `json:"error,omitempty"`
}

// LedgerSubmission is the bus payload for asynchronous analysis.
type LedgerSubmission struct {
	AnalysisID string     `json:"analysisId"`
	TenantID   string     `json:"tenantId"`
	Transfers  []Transfer `json:"transfers"`
}
