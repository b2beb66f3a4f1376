package signing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/payflow/internal/lifecycle"
	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

// MaxBatchSize は一括ステータス変更で指定できる文書数の上限。
const MaxBatchSize = 100

// BatchResult は一括ステータス変更の文書ごとの結果。
// Errがnilの場合、Statusは変更後のステータス。
type BatchResult struct {
	DocumentID string
	Status     model.DocumentStatus
	Err        error
}

// DispatchDocument は下書き文書を送信し、受信者ごとの署名依頼を作成する。
// 署名依頼の作成とDRAFTからSENTへの遷移は1つのトランザクションで行い、
// いずれかの受信者が不正な場合は何も作成せず文書はDRAFTのまま残る。
func (s *Service) DispatchDocument(ctx context.Context, senderID, documentID string, recipients []model.Recipient) (*model.Document, error) {
	var (
		sent  *model.Document
		count int
	)
	err := s.withRetry(ctx, "dispatch_document", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			now := s.now()
			doc, err := s.lockDocument(ctx, q, documentID)
			if err != nil {
				return err
			}
			if err := lifecycle.CheckOwner(doc, senderID); err != nil {
				return err
			}

			plan, err := s.engine.Dispatch(doc, sanitizeRecipients(s.sanitizer, recipients), now)
			if err != nil {
				return err
			}
			if err := s.sigs.CreateBatch(ctx, q, doc.ID, plan.Signatures); err != nil {
				return err
			}
			if err := s.docs.SetStatus(ctx, q, doc.ID, model.DocumentStatusDraft, model.DocumentStatusSent, now); err != nil {
				return err
			}
			if err := s.events.Append(ctx, q, plan.Events); err != nil {
				return err
			}

			doc.Status = model.DocumentStatusSent
			doc.UpdatedAt = now
			sent, count = doc, len(plan.Signatures)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition("document", string(model.DocumentStatusSent))
	s.logger.Info("文書を送信しました",
		slog.String("document_id", sent.ID),
		slog.Int("recipients", count),
	)
	return sent, nil
}

// CancelDocument は文書を取り消す。PENDINGの署名依頼は同じトランザクションで全てEXPIREDになり、
// 取り消し後に遅れて届いた署名で文書が完了することはない。
func (s *Service) CancelDocument(ctx context.Context, senderID, documentID string) (*model.Document, error) {
	var (
		cancelled *model.Document
		expired   int
	)
	err := s.withRetry(ctx, "cancel_document", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			now := s.now()
			doc, err := s.lockDocument(ctx, q, documentID)
			if err != nil {
				return err
			}
			if err := lifecycle.CheckOwner(doc, senderID); err != nil {
				return err
			}
			sigs, err := s.sigs.ListByDocument(ctx, q, doc.ID)
			if err != nil {
				return err
			}
			plan, err := s.engine.Cancel(doc, sigs, now)
			if err != nil {
				return err
			}
			n, err := s.applyCascade(ctx, q, doc, plan, now)
			if err != nil {
				return err
			}
			cancelled, expired = doc, n
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition("document", string(model.DocumentStatusCancelled))
	s.logger.Info("文書を取り消しました",
		slog.String("document_id", cancelled.ID),
		slog.Int("signatures_expired", expired),
	)
	return cancelled, nil
}

// BatchStatusChange は複数の文書に同じステータス変更を適用する。
// 文書ごとに独立して処理し、一部が失敗しても他の文書の変更は維持される。
// 指定できる遷移先はCANCELLEDのみ。
func (s *Service) BatchStatusChange(ctx context.Context, senderID string, documentIDs []string, target model.DocumentStatus) ([]BatchResult, error) {
	if err := lifecycle.ValidateBatchTarget(target); err != nil {
		return nil, err
	}
	if len(documentIDs) == 0 {
		return nil, model.NewValidationError("文書IDが指定されていません")
	}
	if len(documentIDs) > MaxBatchSize {
		return nil, model.NewValidationError(fmt.Sprintf("一度に変更できる文書は%d件までです", MaxBatchSize))
	}

	seen := make(map[string]struct{}, len(documentIDs))
	results := make([]BatchResult, 0, len(documentIDs))
	for _, id := range documentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := ctx.Err(); err != nil {
			results = append(results, BatchResult{DocumentID: id, Err: model.NewUnavailableError(err)})
			continue
		}

		doc, err := s.CancelDocument(ctx, senderID, id)
		if err != nil {
			results = append(results, BatchResult{DocumentID: id, Err: err})
			continue
		}
		results = append(results, BatchResult{DocumentID: id, Status: doc.Status})
	}
	return results, nil
}

// sanitizeRecipients は受信者の表示名からHTMLを除去する。メールアドレスは検証時に正規化する。
func sanitizeRecipients(sanitizer TextSanitizer, recipients []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, len(recipients))
	for i, r := range recipients {
		out[i] = model.Recipient{Email: r.Email, Name: sanitizer.SanitizeText(r.Name)}
	}
	return out
}
