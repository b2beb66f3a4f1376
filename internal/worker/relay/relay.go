// Package relay はアウトボックスに書き込まれたライフサイクルイベントを通知先へ配信する。
//
// イベントは状態遷移と同じトランザクションで書き込まれているため、ここでの配信失敗が
// 状態遷移を取り消すことはない。配信は少なくとも1回（at-least-once）で、
// 失敗したイベントは指数バックオフで再送し、上限回数に達したら失敗として確定する。
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/notify"
	"github.com/hitoshi/payflow/internal/repository"
	"github.com/hitoshi/payflow/internal/worker"
)

// TokenIssuer は署名リンクのトークンを発行する。
type TokenIssuer interface {
	Issue(signatureID string) string
}

// DeliveryRecorder は配信結果のメトリクスを記録する。
type DeliveryRecorder interface {
	RecordDelivery(eventType string, latency time.Duration)
	RecordDeliveryFailure(eventType string, final bool)
}

// Config はリレーの設定。
type Config struct {
	// BatchSize は1回に取得するイベント数（デフォルト: 50）。
	BatchSize int
	// MaxConcurrent は同時に配信するイベント数（デフォルト: 5）。
	MaxConcurrent int
	// MaxAttempts は配信を諦めるまでの試行回数（デフォルト: 10）。
	MaxAttempts int
	// DispatchTimeout は1件の配信のタイムアウト（デフォルト: 10秒）。
	DispatchTimeout time.Duration
}

// DefaultConfig はデフォルトのリレー設定を返す。
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		MaxConcurrent:   5,
		MaxAttempts:     10,
		DispatchTimeout: 10 * time.Second,
	}
}

// Relay はアウトボックスのイベントを配信する。
// 複数のプロセスで並行に動かしても、取得時のリースにより同じイベントを同時に配信しない。
type Relay struct {
	db         repository.Querier
	events     repository.EventRepository
	dispatcher notify.Dispatcher
	tokens     TokenIssuer
	metrics    DeliveryRecorder
	logger     *slog.Logger
	config     Config
	now        func() time.Time
}

// NewRelay はRelayの新しいインスタンスを生成する。0以下の設定値はデフォルト値で補う。
func NewRelay(
	db repository.Querier,
	events repository.EventRepository,
	dispatcher notify.Dispatcher,
	tokens TokenIssuer,
	metrics DeliveryRecorder,
	logger *slog.Logger,
	config Config,
) *Relay {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = def.DispatchTimeout
	}
	return &Relay{
		db:         db,
		events:     events,
		dispatcher: dispatcher,
		tokens:     tokens,
		metrics:    metrics,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// Start はinterval間隔で配信を実行する。
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	worker.RunPeriodically(ctx, r.logger, "event_relay", interval, r.RunOnce)
}

// leaseDuration は取得したイベントを他のワーカーから隠す時間。
// 配信タイムアウトより十分長くし、処理中のイベントが二重配信されないようにする。
func (r *Relay) leaseDuration() time.Duration {
	return 2*r.config.DispatchTimeout + 30*time.Second
}

// RunOnce は配信予定時刻を過ぎたイベントを取得し、semaphoreで並列数を制御しながら配信する。
func (r *Relay) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := r.now()

	due, err := r.events.ClaimDue(ctx, r.db, now, now.Add(r.leaseDuration()), r.config.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, r.config.MaxConcurrent)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		failed    int
	)

	for _, ev := range due {
		wg.Add(1)
		sem <- struct{}{}

		go func(ev *model.OutboxEvent) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := r.deliver(ctx, ev)
			mu.Lock()
			if ok {
				delivered++
			} else {
				failed++
			}
			mu.Unlock()
		}(ev)
	}
	wg.Wait()

	r.logger.Info("イベント配信サイクルが完了しました",
		slog.Int("claimed", len(due)),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// deliver は1件のイベントを配信し、結果をアウトボックスに記録する。
func (r *Relay) deliver(ctx context.Context, ev *model.OutboxEvent) bool {
	event := ev.Event
	if needsSigningLink(event) && r.tokens != nil {
		event.SigningToken = r.tokens.Issue(event.SignatureID)
	}

	dctx, cancel := context.WithTimeout(ctx, r.config.DispatchTimeout)
	started := time.Now()
	dispatchErr := r.dispatcher.Dispatch(dctx, event)
	cancel()

	now := r.now()
	if dispatchErr == nil {
		if err := r.events.MarkDelivered(ctx, r.db, ev.ID, now); err != nil {
			// リースが切れると再配信される。受信側はイベントIDで重複を排除する
			r.logger.Error("配信済みの記録に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
		if r.metrics != nil {
			r.metrics.RecordDelivery(string(ev.Type), time.Since(started))
		}
		return true
	}

	attempts := ev.Attempts + 1
	final := attempts >= r.config.MaxAttempts
	var err error
	if final {
		err = r.events.MarkFailed(ctx, r.db, ev.ID, attempts, now, dispatchErr.Error())
		r.logger.Error("イベントの配信を諦めました",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.Int("attempts", attempts),
			slog.String("error", dispatchErr.Error()),
		)
	} else {
		next := now.Add(CalculateBackoff(attempts - 1))
		err = r.events.Reschedule(ctx, r.db, ev.ID, attempts, next, dispatchErr.Error())
		r.logger.Warn("イベントの配信に失敗しました。再送します",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt_at", next),
			slog.String("error", dispatchErr.Error()),
		)
	}
	if err != nil {
		r.logger.Error("配信失敗の記録に失敗しました",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.RecordDeliveryFailure(string(ev.Type), final)
	}
	return false
}

// needsSigningLink は受信者に署名リンクを送るイベントかを返す。
func needsSigningLink(e model.Event) bool {
	if e.SignatureID == "" {
		return false
	}
	return e.Type == model.EventSignatureRequested || e.Type == model.EventReminderDue
}
