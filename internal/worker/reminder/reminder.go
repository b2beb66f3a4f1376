// Package reminder は未対応の署名依頼へのリマインド発行ジョブを提供する。
package reminder

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/worker"
)

// DefaultBatchSize は1回の実行でリマインドする署名依頼の上限。
const DefaultBatchSize = 200

// ReminderSender はリマインド発行のインターフェース。
type ReminderSender interface {
	SendReminders(ctx context.Context, now time.Time, olderThan time.Duration, limit int) (int, error)
}

// Job は作成または前回のリマインドからAfter以上経過したPENDINGの署名依頼にReminderDueを発行する。
type Job struct {
	sender    ReminderSender
	logger    *slog.Logger
	After     time.Duration
	BatchSize int
	now       func() time.Time
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(sender ReminderSender, logger *slog.Logger, after time.Duration) *Job {
	return &Job{
		sender:    sender,
		logger:    logger,
		After:     after,
		BatchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Start はinterval間隔でリマインドを発行する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	worker.RunPeriodically(ctx, j.logger, "reminder", interval, j.RunOnce)
}

// RunOnce はリマインドを1回発行する。
func (j *Job) RunOnce(ctx context.Context) error {
	sent, err := j.sender.SendReminders(ctx, j.now(), j.After, j.BatchSize)
	if err != nil {
		return err
	}
	if sent > 0 {
		j.logger.Info("リマインドを発行しました",
			slog.Int("sent", sent),
			slog.Duration("after", j.After),
		)
	}
	return nil
}
