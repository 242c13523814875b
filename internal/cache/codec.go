package cache

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func reportKey(analysisID string) string {
	return "report:" + analysisID
}

func getReport(ctx context.Context, c byteStore, tenantID, analysisID string) (*domain.Report, error) {
	data, err := c.Get(ctx, tenantID, reportKey(analysisID))
	if err != nil || data == nil {
		return nil, err
	}

	var r domain.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding cached report %s: %w", analysisID, err)
	}
	return &r, nil
}

func setReport(ctx context.Context, c byteStore, tenantID string, r *domain.Report, ttl time.Duration) error {
	if r == nil || r.AnalysisID == "" {
		return fmt.Errorf("report with analysis id is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", r.AnalysisID, err)
	}
	return c.Set(ctx, tenantID, reportKey(r.AnalysisID), data, ttl)
}
