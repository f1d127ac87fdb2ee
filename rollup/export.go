package rollup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"fortuna/core/types"
)

type hourlyRow struct {
	CampaignID       string `parquet:"name=campaign_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CampaignCode     string `parquet:"name=campaign_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	HourBucket       string `parquet:"name=hour_bucket, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalDraws       int64  `parquet:"name=total_draws, type=INT64"`
	HighCount        int64  `parquet:"name=high_count, type=INT64"`
	MidCount         int64  `parquet:"name=mid_count, type=INT64"`
	LowCount         int64  `parquet:"name=low_count, type=INT64"`
	FallbackCount    int64  `parquet:"name=fallback_count, type=INT64"`
	BudgetTierCounts string `parquet:"name=budget_tier_counts, type=BYTE_ARRAY, convertedtype=UTF8"`
	CorrectionCounts string `parquet:"name=correction_counts, type=BYTE_ARRAY, convertedtype=UTF8"`
	BudgetConsumed   int64  `parquet:"name=budget_consumed, type=INT64"`
	PrizeValueSum    int64  `parquet:"name=prize_value_sum, type=INT64"`
	UniqueUsers      int64  `parquet:"name=unique_users, type=INT64"`
}

// ExportDay writes one parquet file per campaign that has persisted hourly
// metrics for the given business day (YYYYMMDD). Existing files are
// overwritten so a re-export converges.
func (s *Service) ExportDay(ctx context.Context, day string) error {
	if s.exportDir == "" {
		return fmt.Errorf("rollup: export directory not configured")
	}
	if len(day) != 8 {
		return fmt.Errorf("rollup: bad day key %q", day)
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("rollup: create export dir: %w", err)
	}
	campaigns, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, campaign := range campaigns {
		metrics, err := s.store.HourlyMetricsRange(ctx, campaign.ID, day+"00", day+"23")
		if err != nil {
			return err
		}
		if len(metrics) == 0 {
			continue
		}
		path := filepath.Join(s.exportDir, fmt.Sprintf("%s-%s.parquet", campaign.Code, day))
		if err := writeParquet(path, campaign.Code, metrics); err != nil {
			return err
		}
		s.metrics.RecordExport()
		s.log.Info("exported day metrics", "campaign", campaign.Code, "day", day, "rows", len(metrics), "path", path)
	}
	return nil
}

func writeParquet(path, campaignCode string, metrics []types.HourlyMetric) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rollup: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(hourlyRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("rollup: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, m := range metrics {
		row := &hourlyRow{
			CampaignID:       m.CampaignID.String(),
			CampaignCode:     campaignCode,
			HourBucket:       m.HourBucket,
			TotalDraws:       m.TotalDraws,
			HighCount:        m.HighCount,
			MidCount:         m.MidCount,
			LowCount:         m.LowCount,
			FallbackCount:    m.FallbackCount,
			BudgetTierCounts: m.BudgetTierCounts,
			CorrectionCounts: m.CorrectionCounts,
			BudgetConsumed:   m.BudgetConsumed,
			PrizeValueSum:    m.PrizeValueSum,
			UniqueUsers:      m.UniqueUsers,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("rollup: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("rollup: parquet finalize: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("rollup: close parquet: %w", err)
	}
	return nil
}
