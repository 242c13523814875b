package domain

// AccountRule is an operator-defined CEL predicate evaluated against every
// account after structural analysis. A matching rule attaches its Flag to
// the account's node entry. Rules never change scores or rings.
type AccountRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Flag is the tag attached to matching accounts.
	Flag string `json:"flag"`

	Enabled bool `json:"enabled"`
}

// RuleHit records one rule matching one account.
type RuleHit struct {
	RuleID    string `json:"ruleId"`
	AccountID string `json:"accountId"`
	Flag      string `json:"flag"`
}
