// Package sweep は期限切れ文書の定期スイープジョブを提供する。
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/signing"
	"github.com/hitoshi/payflow/internal/worker"
)

// ExpirySweeper は期限切れスイープの実行インターフェース。
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (signing.SweepResult, error)
}

// Sweeper は期限を過ぎたSENT文書を定期的に期限切れにする。
// 参照時・署名時の遅延評価に加えて、誰もアクセスしない文書もここで確定させる。
type Sweeper struct {
	service ExpirySweeper
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
func NewSweeper(service ExpirySweeper, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, logger: logger, now: time.Now}
}

// Start はinterval間隔でスイープを実行する。コンテキストがキャンセルされるまで戻らない。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	worker.RunPeriodically(ctx, s.logger, "expiry_sweep", interval, s.RunOnce)
}

// RunOnce はスイープを1回実行する。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()

	result, err := s.service.SweepExpired(ctx, s.now())
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if result.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "期限切れスイープが完了しました",
		slog.Int("documents_expired", result.DocumentsExpired),
		slog.Int("signatures_expired", result.SignaturesExpired),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
