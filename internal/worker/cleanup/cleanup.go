// Package cleanup は配信済み通知イベントの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した配信済みのアウトボックス行を日次バッチで削除する。
// 配信に失敗した行は調査用に残す。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/repository"
	"github.com/hitoshi/payflow/internal/worker"
)

// EventPurger は配信済みイベントの削除インターフェース。
type EventPurger interface {
	PurgeDelivered(ctx context.Context, q repository.Querier, before time.Time) (int64, error)
}

// PurgeRecorder は削除件数のメトリクスを記録する。
type PurgeRecorder interface {
	RecordEventsPurged(count int64)
}

// CleanupJob は保持期間を超過した配信済みイベントの自動削除ジョブ。
// 冪等な削除処理で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db            repository.Querier
	events        EventPurger
	metrics       PurgeRecorder
	logger        *slog.Logger
	RetentionDays int // イベントの保持日数（デフォルト: 30）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。metricsはnilでもよい。
func NewCleanupJob(db repository.Querier, events EventPurger, metrics PurgeRecorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		events:        events,
		metrics:       metrics,
		logger:        logger,
		RetentionDays: 30,
		now:           time.Now,
	}
}

// Start はinterval間隔でクリーンアップを実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	worker.RunPeriodically(ctx, j.logger, "event_cleanup", interval, j.Run)
}

// Run はdelivered_atがRetentionDays日前より古いイベントを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.events.PurgeDelivered(ctx, j.db, before)
	if err != nil {
		j.logger.Error("イベントクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("イベントクリーンアップの実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordEventsPurged(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("イベントクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
