package domain

// AccountMetrics are the structural measures of one account in the
// current graph.
type AccountMetrics struct {
	Degree      int     `json:"degree"`
	InDegree    int     `json:"in_degree"`
	OutDegree   int     `json:"out_degree"`
	Betweenness float64 `json:"betweenness"`
}

// Metrics maps account id to its metrics.
type Metrics map[string]AccountMetrics

// Scores maps account id to its 0..100 suspicion score.
type Scores map[string]int
