package signing

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

// SweepResult は期限切れスイープの結果。
type SweepResult struct {
	DocumentsExpired  int
	SignaturesExpired int
	// Failed は再試行後も処理できなかった文書数。次回のスイープで再度対象になる。
	Failed int
}

// SweepExpired は期限を過ぎたSENT文書を全て期限切れにする。
//
// 文書ごとに独立したトランザクションで処理し、1件の失敗が他の文書の処理を止めることはない。
// 署名と競合した場合は条件付き更新により後勝ちにはならず、既に完了した文書はスキップされる。
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		result SweepResult
		after  *model.ExpiryKey
	)

	for {
		var page []model.ExpiryKey
		err := s.withRetry(ctx, "sweep_list", func() error {
			return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
				var err error
				page, err = s.docs.ListExpired(ctx, q, now, after, s.sweepSize)
				return err
			})
		})
		if err != nil {
			s.metrics.RecordSweep(result.DocumentsExpired, result.SignaturesExpired, result.Failed)
			return result, err
		}

		for _, key := range page {
			if err := ctx.Err(); err != nil {
				s.metrics.RecordSweep(result.DocumentsExpired, result.SignaturesExpired, result.Failed)
				return result, err
			}

			var (
				expired  bool
				sigCount int
			)
			err := s.withRetry(ctx, "sweep_document", func() error {
				var err error
				expired, sigCount, err = s.expireDocument(ctx, key.ID, now)
				return err
			})
			if err != nil {
				result.Failed++
				s.logger.Error("文書の期限切れ処理に失敗しました",
					slog.String("document_id", key.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if expired {
				result.DocumentsExpired++
				result.SignaturesExpired += sigCount
			}
		}

		if len(page) < s.sweepSize {
			break
		}
		// 失敗した文書はSENTのまま残るため、位置で読み進める
		last := page[len(page)-1]
		after = &last
	}

	s.metrics.RecordSweep(result.DocumentsExpired, result.SignaturesExpired, result.Failed)
	return result, nil
}

// SendReminders は作成または前回のリマインドからolderThan以上経過したPENDINGの署名依頼に
// ReminderDueを発行し、発行件数を返す。
func (s *Service) SendReminders(ctx context.Context, now time.Time, olderThan time.Duration, limit int) (int, error) {
	var due []*model.Signature
	err := s.withRetry(ctx, "reminder_list", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			var err error
			due, err = s.sigs.ListDueForReminder(ctx, q, now, now.Add(-olderThan), limit)
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			s.metrics.RecordReminders(sent)
			return sent, err
		}

		var reminded bool
		err := s.withRetry(ctx, "send_reminder", func() error {
			return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
				reminded = false
				doc, sig, err := s.lockSignature(ctx, q, candidate.ID)
				if err != nil {
					return err
				}
				// ロック取得までに状態が変わった、または期限を過ぎた場合は対象外
				if sig.Status != model.SignatureStatusPending ||
					doc.Status != model.DocumentStatusSent ||
					doc.IsExpiredAt(now) {
					return nil
				}
				if err := s.sigs.MarkReminded(ctx, q, sig.ID, now); err != nil {
					return err
				}
				if err := s.events.Append(ctx, q, []model.Event{s.engine.Reminder(sig, now)}); err != nil {
					return err
				}
				reminded = true
				return nil
			})
		})
		if err != nil {
			s.logger.Error("リマインドの発行に失敗しました",
				slog.String("signature_id", candidate.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if reminded {
			sent++
		}
	}

	s.metrics.RecordReminders(sent)
	return sent, nil
}
