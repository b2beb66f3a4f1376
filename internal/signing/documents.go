package signing

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/payflow/internal/lifecycle"
	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
	// MaxFileSize はアップロード済みファイルとして受け付ける最大サイズ（25MiB）。
	MaxFileSize = 25 << 20
	// DefaultListLimit は文書一覧の既定件数。
	DefaultListLimit = 20
	// MaxListLimit は文書一覧の最大件数。
	MaxListLimit = 100
)

// DraftInput は下書き文書の作成内容。
type DraftInput struct {
	Title       string
	Description string
	FileRef     string
	FileSize    int64
	MimeType    string
	ExpiresAt   *time.Time
}

// MetadataInput は文書メタデータの更新内容。nilのフィールドは変更しない。
type MetadataInput struct {
	Title       *string
	Description *string
	ExpiresAt   *time.Time
	// ClearExpiry がtrueの場合は期限を削除する。ExpiresAtより優先する。
	ClearExpiry bool
}

// CreateDocument は下書き文書を作成する。
func (s *Service) CreateDocument(ctx context.Context, senderID string, in DraftInput) (*model.Document, error) {
	now := s.now()

	title := strings.TrimSpace(s.sanitizer.SanitizeText(in.Title))
	if title == "" {
		return nil, model.NewValidationError("タイトルは必須です")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, model.NewValidationError(fmt.Sprintf("タイトルは%d文字以内で指定してください", maxTitleLength))
	}
	description := strings.TrimSpace(s.sanitizer.SanitizeText(in.Description))
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return nil, model.NewValidationError(fmt.Sprintf("説明は%d文字以内で指定してください", maxDescriptionLength))
	}
	if strings.TrimSpace(in.FileRef) == "" {
		return nil, model.NewValidationError("ファイルの参照先は必須です")
	}
	if in.FileSize < 0 || in.FileSize > MaxFileSize {
		return nil, model.NewValidationError("ファイルサイズが不正です")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, model.NewValidationError("署名期限には未来の日時を指定してください")
	}
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	doc := &model.Document{
		ID:          s.newID(),
		SenderID:    senderID,
		Title:       title,
		Description: description,
		FileRef:     strings.TrimSpace(in.FileRef),
		FileSize:    in.FileSize,
		MimeType:    mimeType,
		Status:      model.DocumentStatusDraft,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.withRetry(ctx, "create_document", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			return s.docs.Create(ctx, q, doc)
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition("document", string(model.DocumentStatusDraft))
	return doc, nil
}

// UpdateDocument は文書のメタデータを更新する。終端状態の文書は変更できない。
func (s *Service) UpdateDocument(ctx context.Context, senderID, documentID string, in MetadataInput) (*model.Document, error) {
	var updated *model.Document
	err := s.withRetry(ctx, "update_document", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			now := s.now()
			doc, err := s.lockDocument(ctx, q, documentID)
			if err != nil {
				return err
			}
			if err := lifecycle.CheckOwner(doc, senderID); err != nil {
				return err
			}
			if err := lifecycle.CheckEditable(doc); err != nil {
				return err
			}

			if in.Title != nil {
				title := strings.TrimSpace(s.sanitizer.SanitizeText(*in.Title))
				if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
					return model.NewValidationError(fmt.Sprintf("タイトルは1〜%d文字で指定してください", maxTitleLength))
				}
				doc.Title = title
			}
			if in.Description != nil {
				description := strings.TrimSpace(s.sanitizer.SanitizeText(*in.Description))
				if utf8.RuneCountInString(description) > maxDescriptionLength {
					return model.NewValidationError(fmt.Sprintf("説明は%d文字以内で指定してください", maxDescriptionLength))
				}
				doc.Description = description
			}
			switch {
			case in.ClearExpiry:
				doc.ExpiresAt = nil
			case in.ExpiresAt != nil:
				if !in.ExpiresAt.After(now) {
					return model.NewValidationError("署名期限には未来の日時を指定してください")
				}
				doc.ExpiresAt = in.ExpiresAt
			}
			doc.UpdatedAt = now

			if err := s.docs.UpdateMetadata(ctx, q, doc); err != nil {
				return err
			}
			updated = doc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteDocument は文書を削除する。SENTの文書は先に取り消す必要がある。
func (s *Service) DeleteDocument(ctx context.Context, senderID, documentID string) error {
	return s.withRetry(ctx, "delete_document", func() error {
		return s.tx.RunInTx(ctx, func(ctx context.Context, q repository.Querier) error {
			doc, err := s.lockDocument(ctx, q, documentID)
			if err != nil {
				return err
			}
			if err := lifecycle.CheckOwner(doc, senderID); err != nil {
				return err
			}
			if err := lifecycle.CheckDeletable(doc); err != nil {
				return err
			}
			return s.docs.Delete(ctx, q, doc.ID)
		})
	})
}

// GetDocument は文書と全署名依頼を返す。送信者以外にはNotFoundを返す。
// 期限を過ぎたSENT文書は、返す前に期限切れ処理を行う。
func (s *Service) GetDocument(ctx context.Context, senderID, documentID string) (*model.DocumentWithSignatures, error) {
	doc, err := s.findOwnedDocument(ctx, senderID, documentID)
	if err != nil {
		return nil, err
	}
	doc, err = s.expireIfDue(ctx, doc)
	if err != nil {
		return nil, err
	}

	var sigs []*model.Signature
	err = s.withRetry(ctx, "get_document", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			var err error
			sigs, err = s.sigs.ListByDocument(ctx, q, doc.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return &model.DocumentWithSignatures{Document: *doc, Signatures: sigs}, nil
}

// ListDocuments は送信者の文書一覧を返す。
func (s *Service) ListDocuments(ctx context.Context, senderID string, filter model.DocumentFilter) ([]*model.Document, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, model.NewValidationError(fmt.Sprintf("不明なステータスです: %s", *filter.Status))
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	var docs []*model.Document
	err := s.withRetry(ctx, "list_documents", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			var err error
			docs, err = s.docs.ListBySender(ctx, q, senderID, filter)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// GetDocumentEvents は文書に関する通知イベントの履歴を返す。送信者以外にはNotFoundを返す。
func (s *Service) GetDocumentEvents(ctx context.Context, senderID, documentID string) ([]*model.OutboxEvent, error) {
	doc, err := s.findOwnedDocument(ctx, senderID, documentID)
	if err != nil {
		return nil, err
	}

	var events []*model.OutboxEvent
	err = s.withRetry(ctx, "get_document_events", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			var err error
			events, err = s.events.ListByDocument(ctx, q, doc.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// findOwnedDocument は送信者が所有する文書を返す。存在しない場合と所有者でない場合はNotFound。
func (s *Service) findOwnedDocument(ctx context.Context, senderID, documentID string) (*model.Document, error) {
	var doc *model.Document
	err := s.withRetry(ctx, "find_document", func() error {
		return s.tx.View(ctx, func(ctx context.Context, q repository.Querier) error {
			var err error
			doc, err = s.docs.FindByID(ctx, q, documentID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.SenderID != senderID {
		return nil, model.NewDocumentNotFoundError(documentID)
	}
	return doc, nil
}
