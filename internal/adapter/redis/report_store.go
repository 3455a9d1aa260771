package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	LatestReportKey = "monitoring:websocket:latest"
	reportTTL       = 300 * time.Second
)

// ErrNoReport is returned when no health report has been saved yet or it expired.
var ErrNoReport = errors.New("no health report stored")

// ReportStore persists the most recent health report as JSON.
type ReportStore struct {
	rdb goredis.Cmdable
}

func NewReportStore(rdb goredis.Cmdable) *ReportStore {
	return &ReportStore{rdb: rdb}
}

func (s *ReportStore) SaveReport(ctx context.Context, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := s.rdb.Set(ctx, LatestReportKey, data, reportTTL).Err(); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// LatestReport decodes the stored report into dst.
func (s *ReportStore) LatestReport(ctx context.Context, dst any) error {
	data, err := s.rdb.Get(ctx, LatestReportKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return ErrNoReport
	}
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode report: %w", err)
	}
	return nil
}
