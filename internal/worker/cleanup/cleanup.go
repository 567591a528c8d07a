// Package cleanup は保持期間を超えたデータの定期削除ジョブを提供する。
// 古い配信履歴と、昇格されないまま残ったステージング行を削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeliveryPruner は古い配信履歴を削除するインターフェース。
type DeliveryPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// StagingPruner は古いステージング行を削除するインターフェース。
type StagingPruner interface {
	DeleteStaleStaging(ctx context.Context, before time.Time) (int64, error)
}

// Job は配信履歴とステージングの削除ジョブ。
// 削除対象がなくてもエラーにはならない。
type Job struct {
	deliveries DeliveryPruner
	staging    StagingPruner
	logger     *slog.Logger
	now        func() time.Time

	RetentionDays  int // 配信履歴の保持日数（デフォルト: 180）
	StagingTTLDays int // ステージング行の保持日数（デフォルト: 14）
}

// NewJob は新しいJobを生成する。
func NewJob(deliveries DeliveryPruner, staging StagingPruner, logger *slog.Logger) *Job {
	return &Job{
		deliveries:     deliveries,
		staging:        staging,
		logger:         logger,
		now:            time.Now,
		RetentionDays:  180,
		StagingTTLDays: 14,
	}
}

// Run は保持期間を超えた配信履歴とステージング行を削除する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	deliveryCutoff := now.AddDate(0, 0, -j.RetentionDays)
	deletedHistory, err := j.deliveries.DeleteOlderThan(ctx, deliveryCutoff)
	if err != nil {
		j.logger.Error("配信履歴のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("配信履歴のクリーンアップに失敗: %w", err)
	}

	stagingCutoff := now.AddDate(0, 0, -j.StagingTTLDays)
	deletedStaging, err := j.staging.DeleteStaleStaging(ctx, stagingCutoff)
	if err != nil {
		j.logger.Error("ステージングのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("staging_ttl_days", j.StagingTTLDays),
		)
		return fmt.Errorf("ステージングのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_history", deletedHistory),
		slog.Int64("deleted_staging", deletedStaging),
		slog.Int("retention_days", j.RetentionDays),
		slog.Int("staging_ttl_days", j.StagingTTLDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、その後intervalごとに実行する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
