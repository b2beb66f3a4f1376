package signing

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/lifecycle"
	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

// SignatureView は署名リンクから受信者に見せる署名依頼と文書の情報。
type SignatureView struct {
	Signature *model.Signature
	Document  *model.Document
}

// respondOutcome は受信者操作のトランザクションの結果。
type respondOutcome struct {
	sig       *model.Signature
	completed bool
	expired   bool
	rejected  error
}

// SignSignature は署名依頼に署名する。
// 署名によって文書の全署名が揃った場合、同じトランザクションで文書をCOMPLETEDにし、
// DocumentCompletedを1回だけ発行する。期限切れを検出した場合は文書を期限切れにしてからExpiredを返す。
func (s *Service) SignSignature(ctx context.Context, signatureID string, payload []byte, meta model.CaptureMeta) (*model.Signature, error) {
	out, err := s.respond(ctx, "sign_signature", signatureID, func(doc *model.Document, sig *model.Signature, now time.Time) lifecycle.Response {
		return s.engine.Sign(doc, sig, payload, meta, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition("signature", string(model.SignatureStatusSigned))
	if out.completed {
		s.metrics.RecordTransition("document", string(model.DocumentStatusCompleted))
		s.logger.Info("全署名が揃い文書が完了しました", slog.String("document_id", out.sig.DocumentID))
	}
	return out.sig, nil
}

// DeclineSignature は署名依頼を辞退する。文書のステータスは変化しない。
// 辞退を含む文書はCOMPLETEDにならず、CancelDocumentかSweepExpiredで終了する。
func (s *Service) DeclineSignature(ctx context.Context, signatureID, reason string) (*model.Signature, error) {
	reason = s.sanitizer.SanitizeText(reason)
	out, err := s.respond(ctx, "decline_signature", signatureID, func(doc *model.Document, sig *model.Signature, now time.Time) lifecycle.Response {
		return s.engine.Decline(doc, sig, reason, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition("signature", string(model.SignatureStatusDeclined))
	return out.sig, nil
}

// respond は受信者操作（署名・辞退）の共通処理。
func (s *Service) respond(
	ctx context.Context,
	operation, signatureID string,
	decide func(doc *model.Document, sig *model.Signature, now time.Time) lifecycle.Response,
) (*respondOutcome, error) {
	var out respondOutcome
	err := s.withRetry(ctx, operation, func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			out = respondOutcome{}
			now := s.now()

			doc, sig, err := s.lockSignature(ctx, q, signatureID)
			if err != nil {
				return err
			}

			resp := decide(doc, sig, now)
			if resp.Expire {
				return s.expireLazily(ctx, q, doc, now, resp.Err, &out)
			}
			if resp.Err != nil {
				return resp.Err
			}

			updated, completed, err := s.sigs.Transition(ctx, q, sig.ID, model.SignatureStatusPending, resp.To, resp.Fields)
			if err != nil {
				return err
			}
			if err := s.events.Append(ctx, q, s.engine.ResponseEvents(doc, updated, completed, now)); err != nil {
				return err
			}

			out.sig, out.completed = updated, completed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out.expired {
		s.metrics.RecordTransition("document", string(model.DocumentStatusExpired))
	}
	if out.rejected != nil {
		return nil, out.rejected
	}
	return &out, nil
}

// expireLazily は操作時に検出した期限切れを適用する。
// 期限切れ処理はコミットし、操作自体はrejectedとして拒否する。
func (s *Service) expireLazily(ctx context.Context, q repository.Querier, doc *model.Document, now time.Time, rejected error, out *respondOutcome) error {
	sigs, err := s.sigs.ListByDocument(ctx, q, doc.ID)
	if err != nil {
		return err
	}
	if plan, ok := s.engine.Expire(doc, sigs, now); ok {
		if _, err := s.applyCascade(ctx, q, doc, plan, now); err != nil {
			return err
		}
		out.expired = true
	}
	out.rejected = rejected
	return nil
}

// ResendSignature は送信者の依頼により署名依頼のリマインドを発行する。
// ステータスは変化させず、updated_atとlast_reminded_atのみ更新する。
func (s *Service) ResendSignature(ctx context.Context, senderID, signatureID string) error {
	var out respondOutcome
	err := s.withRetry(ctx, "resend_signature", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			out = respondOutcome{}
			now := s.now()

			doc, sig, err := s.lockSignature(ctx, q, signatureID)
			if err != nil {
				return err
			}

			resp, events := s.engine.Resend(doc, sig, senderID, now)
			if resp.Expire {
				return s.expireLazily(ctx, q, doc, now, resp.Err, &out)
			}
			if resp.Err != nil {
				return resp.Err
			}

			if err := s.sigs.MarkReminded(ctx, q, sig.ID, now); err != nil {
				return err
			}
			return s.events.Append(ctx, q, events)
		})
	})
	if err != nil {
		return err
	}
	if out.expired {
		s.metrics.RecordTransition("document", string(model.DocumentStatusExpired))
	}
	if out.rejected != nil {
		return out.rejected
	}

	s.metrics.RecordReminders(1)
	return nil
}

// GetSignatureForRecipient は署名リンクの検証後に受信者へ表示する情報を返す。
// 期限を過ぎたSENT文書は、返す前に期限切れ処理を行う。
func (s *Service) GetSignatureForRecipient(ctx context.Context, signatureID string) (*SignatureView, error) {
	view, err := s.loadSignatureView(ctx, signatureID)
	if err != nil {
		return nil, err
	}

	if view.Document.Status == model.DocumentStatusSent && view.Document.IsExpiredAt(s.now()) {
		if _, err := s.expireIfDue(ctx, view.Document); err != nil {
			return nil, err
		}
		return s.loadSignatureView(ctx, signatureID)
	}
	return view, nil
}

func (s *Service) loadSignatureView(ctx context.Context, signatureID string) (*SignatureView, error) {
	var view SignatureView
	err := s.withRetry(ctx, "get_signature", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			sig, err := s.sigs.FindByID(ctx, q, signatureID)
			if err != nil {
				return err
			}
			if sig == nil {
				return model.NewSignatureNotFoundError(signatureID)
			}
			doc, err := s.docs.FindByID(ctx, q, sig.DocumentID)
			if err != nil {
				return err
			}
			if doc == nil {
				return model.NewSignatureNotFoundError(signatureID)
			}
			view = SignatureView{Signature: sig, Document: doc}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}
