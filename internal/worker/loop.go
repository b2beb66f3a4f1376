// Package worker はバックグラウンドジョブの共通処理を提供する。
// 各ジョブ（期限切れスイープ、通知リレー、リマインド、クリーンアップ）はサブパッケージにある。
package worker

import (
	"context"
	"log/slog"
	"time"
)

// RunPeriodically はfnを起動直後に1回、その後interval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。fnのエラーはログに記録し、次回も実行する。
func RunPeriodically(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("ジョブを開始しました",
		slog.String("job", name),
		slog.Duration("interval", interval),
	)

	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ジョブの実行に失敗しました",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			logger.Info("ジョブを停止しました", slog.String("job", name))
			return
		case <-ticker.C:
			run()
		}
	}
}
