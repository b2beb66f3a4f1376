// Package notify はライフサイクルイベントを外部の通知チャネルへ配信する。
//
// 配信はアウトボックスのリレーから行われ、配信の失敗が状態遷移を取り消すことはない。
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/payflow/internal/model"
)

// Dispatcher はライフサイクルイベントの配信インターフェース。
// 同じイベントが複数回配信される可能性があるため、受信側はEvent.IDで重複を排除すること。
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) error
}

// Payload はイベントの配信形式。
type Payload struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	DocumentID     string    `json:"document_id"`
	SignatureID    string    `json:"signature_id,omitempty"`
	RecipientEmail string    `json:"recipient_email,omitempty"`
	SigningURL     string    `json:"signing_url,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewPayload はイベントから配信形式を組み立てる。
// 署名リンクのトークンが付与されている場合はbaseURLから署名用URLを生成する。
func NewPayload(event model.Event, baseURL string) Payload {
	p := Payload{
		ID:             event.ID,
		Type:           string(event.Type),
		DocumentID:     event.DocumentID,
		SignatureID:    event.SignatureID,
		RecipientEmail: event.RecipientEmail,
		OccurredAt:     event.OccurredAt.UTC(),
	}
	if event.SigningToken != "" && event.SignatureID != "" {
		p.SigningURL = SigningURL(baseURL, event.SignatureID, event.SigningToken)
	}
	return p
}

// SigningURL は受信者向けの署名リンクを返す。
func SigningURL(baseURL, signatureID, token string) string {
	return baseURL + "/sign/" + signatureID + "?token=" + token
}

// LogDispatcher はイベントを構造化ログとして出力する。Webhook未設定時の既定の配信先。
type LogDispatcher struct {
	logger  *slog.Logger
	baseURL string
}

// NewLogDispatcher はLogDispatcherの新しいインスタンスを生成する。
func NewLogDispatcher(logger *slog.Logger, baseURL string) *LogDispatcher {
	return &LogDispatcher{logger: logger, baseURL: baseURL}
}

// Dispatch はイベントをInfoレベルで記録する。失敗しない。
// 署名用URLはベアラートークンを含むため、Debugレベルでのみ出力する。
func (d *LogDispatcher) Dispatch(ctx context.Context, event model.Event) error {
	p := NewPayload(event, d.baseURL)
	attrs := []slog.Attr{
		slog.String("event_id", p.ID),
		slog.String("event_type", p.Type),
		slog.String("document_id", p.DocumentID),
	}
	if p.SignatureID != "" {
		attrs = append(attrs,
			slog.String("signature_id", p.SignatureID),
			slog.String("recipient_email", p.RecipientEmail),
		)
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "ライフサイクルイベントを通知しました", attrs...)
	if p.SigningURL != "" {
		d.logger.LogAttrs(ctx, slog.LevelDebug, "署名リンクを発行しました",
			slog.String("event_id", p.ID),
			slog.String("signature_id", p.SignatureID),
			slog.String("signing_url", p.SigningURL),
		)
	}
	return nil
}
