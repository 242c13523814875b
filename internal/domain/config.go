package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier selects the infrastructure defaults
	Tier Tier `json:"tier"`

	// Analysis pipeline
	Analysis  AnalysisConfig  `json:"analysis"`
	Detection DetectionConfig `json:"detection"`
	Scoring   ScoringConfig   `json:"scoring"`
	Reporting ReportConfig    `json:"reporting"`
	Rules     RulesConfig     `json:"rules"`

	// Component configurations
	Cache     CacheConfig     `json:"cache"`
	EventBus  EventBusConfig  `json:"eventBus"`
	Worker    WorkerConfig    `json:"worker"`
	RateLimit RateLimitConfig `json:"rateLimit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	ReadTimeout   int    `json:"readTimeout"`   // seconds
	WriteTimeout  int    `json:"writeTimeout"`  // seconds
	MaxUploadSize int64  `json:"maxUploadSize"` // bytes

	// MaxConcurrentAnalyses bounds synchronous analyses in flight; excess
	// requests wait in a short backlog, then get 429. Zero disables it.
	MaxConcurrentAnalyses int `json:"maxConcurrentAnalyses"`
}

// AnalysisConfig controls the metric stage.
type AnalysisConfig struct {
	// ComputeBetweenness enables Brandes betweenness centrality.
	// It is O(V*E); disable it for very large ledgers.
	ComputeBetweenness bool `json:"computeBetweenness"`
}

// DetectionConfig holds the ring detector thresholds and the cycle search budget.
type DetectionConfig struct {
	// MaxCycles aborts the cycle search once more cycles than this are found.
	MaxCycles int `json:"maxCycles"`

	// CycleTimeBudget aborts the cycle search after this long.
	CycleTimeBudget time.Duration `json:"cycleTimeBudget"`

	// FanInThreshold is the minimum in-degree of a smurfing hub.
	FanInThreshold int `json:"fanInThreshold"`

	// Ring risk = base + increment * size.
	CycleRiskBase    float64 `json:"cycleRiskBase"`
	SmurfingRiskBase float64 `json:"smurfingRiskBase"`
	RiskPerMember    float64 `json:"riskPerMember"`
}

// ScoringConfig holds the account risk heuristic constants.
type ScoringConfig struct {
	// Flow rule: in_degree > FlowMinInDegree and out_degree >= FlowMinOutDegree.
	FlowMinInDegree  int `json:"flowMinInDegree"`
	FlowMinOutDegree int `json:"flowMinOutDegree"`
	FlowPoints       int `json:"flowPoints"`

	// Collector rule: in_degree > CollectorMinInDegree and out_degree == CollectorOutDegree.
	CollectorMinInDegree int `json:"collectorMinInDegree"`
	CollectorOutDegree   int `json:"collectorOutDegree"`
	CollectorPoints      int `json:"collectorPoints"`

	// Raw scores at or above CriticalThreshold are replaced by CriticalScore.
	CriticalThreshold int `json:"criticalThreshold"`
	CriticalScore     int `json:"criticalScore"`

	MinScore int `json:"minScore"`
	MaxScore int `json:"maxScore"`
}

// ReportConfig holds the assembler thresholds.
type ReportConfig struct {
	SuspiciousScore       int `json:"suspiciousScore"`
	HighVelocityOutDegree int `json:"highVelocityOutDegree"`
}

// RulesConfig configures CEL account rules.
type RulesConfig struct {
	MaxWorkers int           `json:"maxWorkers"`
	Preloaded  []AccountRule `json:"preloaded"`
}

// WorkerConfig configures asynchronous analysis.
type WorkerConfig struct {
	Enabled bool     `json:"enabled"`
	Count   int      `json:"count"`
	Tenants []string `json:"tenants"` // the default tenant is always served
}

// RateLimitConfig throttles ledger submissions per client address.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text

	// File enables rotated file output instead of stdout.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro uses Redis + NATS
	TierPro Tier = "pro"
)

// DefaultTenantID is used when a request carries no tenant header.
const DefaultTenantID = "default"

// DefaultDetectionConfig returns the stock ring detector settings.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		MaxCycles:        10000,
		CycleTimeBudget:  5 * time.Second,
		FanInThreshold:   5,
		CycleRiskBase:    90.0,
		SmurfingRiskBase: 85.0,
		RiskPerMember:    0.5,
	}
}

// DefaultScoringConfig returns the stock heuristic constants.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		FlowMinInDegree:      1,
		FlowMinOutDegree:     1,
		FlowPoints:           30,
		CollectorMinInDegree: 5,
		CollectorOutDegree:   1,
		CollectorPoints:      40,
		CriticalThreshold:    70,
		CriticalScore:        85,
		MinScore:             0,
		MaxScore:             100,
	}
}

// DefaultReportConfig returns the stock assembler thresholds.
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		SuspiciousScore:       60,
		HighVelocityOutDegree: 5,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			ReadTimeout:   30,
			WriteTimeout:  60,
			MaxUploadSize: 32 << 20,

			MaxConcurrentAnalyses: 8,
		},
		Tier:      TierCommunity,
		Analysis:  AnalysisConfig{ComputeBetweenness: true},
		Detection: DefaultDetectionConfig(),
		Scoring:   DefaultScoringConfig(),
		Reporting: DefaultReportConfig(),
		Rules:     RulesConfig{MaxWorkers: 8},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  256,
			LocalMaxBytes: 256 << 20,
			LocalTTL:      15 * time.Minute,
			ReportTTL:     time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled: true,
			Count:   2,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   64,
		LocalMaxBytes:  64 << 20,
		LocalTTL:       5 * time.Minute,
		ReportTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Count = 4
	cfg.Tracing.Enabled = true
	return cfg
}
