// Package signing は文書・署名依頼のライフサイクル操作のサービス層を提供する。
//
// 各操作は1つのトランザクション内で文書行をロックし、lifecycleパッケージの判定結果を
// 適用して、発行するイベントを同じトランザクションでアウトボックスに書き込む。
// 呼び出し元の識別子は引数で明示的に受け取り、暗黙のセッション状態には依存しない。
package signing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/payflow/internal/lifecycle"
	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

// TextSanitizer はユーザー入力のテキストからHTMLを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// MetricsRecorder はライフサイクル操作のメトリクスを記録する。
type MetricsRecorder interface {
	RecordTransition(entity, status string)
	RecordSweep(documentsExpired, signaturesExpired, failed int)
	RecordRetry(operation string)
	RecordReminders(count int)
}

// Deps はServiceの依存関係。
type Deps struct {
	Tx         repository.TxRunner
	Documents  repository.DocumentRepository
	Signatures repository.SignatureRepository
	Events     repository.EventRepository
	Sanitizer  TextSanitizer
	Metrics    MetricsRecorder
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
	// SweepBatchSize は期限切れスイープで1回に取得する文書数。0以下の場合は既定値。
	SweepBatchSize int
}

// DefaultSweepBatchSize は期限切れスイープの既定のバッチサイズ。
const DefaultSweepBatchSize = 100

// Service はライフサイクル操作のサービス層。
type Service struct {
	tx        repository.TxRunner
	docs      repository.DocumentRepository
	sigs      repository.SignatureRepository
	events    repository.EventRepository
	engine    *lifecycle.Engine
	sanitizer TextSanitizer
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	sweepSize int
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		tx:        deps.Tx,
		docs:      deps.Documents,
		sigs:      deps.Signatures,
		events:    deps.Events,
		sanitizer: deps.Sanitizer,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		newID:     deps.NewID,
		sweepSize: deps.SweepBatchSize,
	}
	if s.sanitizer == nil {
		s.sanitizer = passthroughSanitizer{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.sweepSize <= 0 {
		s.sweepSize = DefaultSweepBatchSize
	}
	s.engine = lifecycle.New(s.newID)
	return s
}

// withRetry はopを実行し、UnavailableまたはStaleStateで失敗した場合に1回だけ再実行する。
// 2回目の失敗はそのまま返す。操作全体を再実行するため、再試行時は最新の状態を読み直す。
func (s *Service) withRetry(ctx context.Context, operation string, op func() error) error {
	err := op()
	if err == nil || !isRetryable(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	s.metrics.RecordRetry(operation)
	s.logger.Warn("一時的なエラーのため操作を再試行します",
		slog.String("operation", operation),
		slog.String("kind", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	)
	return op()
}

func isRetryable(err error) bool {
	return errors.Is(err, model.ErrUnavailable) || errors.Is(err, model.ErrStaleState)
}

// lockDocument はトランザクション内で文書行をロックして取得する。存在しない場合はNotFound。
func (s *Service) lockDocument(ctx context.Context, q repository.Querier, documentID string) (*model.Document, error) {
	doc, err := s.docs.FindByIDForUpdate(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NewDocumentNotFoundError(documentID)
	}
	return doc, nil
}

// lockSignature は署名依頼の親文書をロックし、ロック取得後の署名依頼を読み直して返す。
// ロック前に読んだ状態は他のトランザクションにより変わっている可能性がある。
func (s *Service) lockSignature(ctx context.Context, q repository.Querier, signatureID string) (*model.Document, *model.Signature, error) {
	sig, err := s.sigs.FindByID(ctx, q, signatureID)
	if err != nil {
		return nil, nil, err
	}
	if sig == nil {
		return nil, nil, model.NewSignatureNotFoundError(signatureID)
	}

	doc, err := s.lockDocument(ctx, q, sig.DocumentID)
	if err != nil {
		return nil, nil, err
	}

	sig, err = s.sigs.FindByID(ctx, q, signatureID)
	if err != nil {
		return nil, nil, err
	}
	if sig == nil {
		return nil, nil, model.NewSignatureNotFoundError(signatureID)
	}
	return doc, sig, nil
}

// applyCascade は文書の終端遷移とPENDING署名依頼のEXPIREDへの遷移を適用する。
// 文書行はロック済みであること。EXPIREDにした署名依頼の件数を返す。
func (s *Service) applyCascade(ctx context.Context, q repository.Querier, doc *model.Document, plan *lifecycle.CascadePlan, now time.Time) (int, error) {
	expired, err := s.sigs.ExpireSignatures(ctx, q, doc.ID, plan.ExpireSignatures, now)
	if err != nil {
		return 0, err
	}
	if err := s.docs.SetStatus(ctx, q, doc.ID, plan.From, plan.To, now); err != nil {
		return 0, err
	}
	if err := s.events.Append(ctx, q, plan.Events); err != nil {
		return 0, err
	}

	doc.Status = plan.To
	doc.UpdatedAt = now
	if plan.To == model.DocumentStatusCancelled {
		doc.CancelledAt = &now
	}
	return expired, nil
}

// expireDocument は期限を過ぎたSENT文書を期限切れにする。
// 対象外（既に完了・取り消し済み、または期限前）の場合はexpired=falseを返す。
func (s *Service) expireDocument(ctx context.Context, documentID string, now time.Time) (expired bool, sigCount int, err error) {
	err = s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
		expired, sigCount = false, 0

		doc, err := s.docs.FindByIDForUpdate(ctx, q, documentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return nil
		}
		sigs, err := s.sigs.ListByDocument(ctx, q, doc.ID)
		if err != nil {
			return err
		}
		plan, ok := s.engine.Expire(doc, sigs, now)
		if !ok {
			return nil
		}
		n, err := s.applyCascade(ctx, q, doc, plan, now)
		if err != nil {
			return err
		}
		expired, sigCount = true, n
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if expired {
		s.metrics.RecordTransition("document", string(model.DocumentStatusExpired))
	}
	return expired, sigCount, nil
}

// expireIfDue は参照時に期限切れを検出した場合、文書を期限切れにしてから最新の状態を返す。
func (s *Service) expireIfDue(ctx context.Context, doc *model.Document) (*model.Document, error) {
	now := s.now()
	if doc.Status != model.DocumentStatusSent || !doc.IsExpiredAt(now) {
		return doc, nil
	}

	if _, _, err := s.expireDocument(ctx, doc.ID, now); err != nil {
		return nil, err
	}

	var latest *model.Document
	err := s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
		var err error
		latest, err = s.docs.FindByID(ctx, q, doc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, model.NewDocumentNotFoundError(doc.ID)
	}
	return latest, nil
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeText(s string) string { return s }

type noopMetrics struct{}

func (noopMetrics) RecordTransition(string, string) {}
func (noopMetrics) RecordSweep(int, int, int)       {}
func (noopMetrics) RecordRetry(string)              {}
func (noopMetrics) RecordReminders(int)             {}
