// Package model はドメインモデルを定義する。
package model

import "time"

// DocumentStatus は文書のステータスを表す。
type DocumentStatus string

const (
	// DocumentStatusDraft は送信前の下書き状態。
	DocumentStatusDraft DocumentStatus = "DRAFT"
	// DocumentStatusSent は署名依頼を送信済みの状態。
	DocumentStatusSent DocumentStatus = "SENT"
	// DocumentStatusCompleted は全署名が揃った終端状態。
	DocumentStatusCompleted DocumentStatus = "COMPLETED"
	// DocumentStatusExpired は期限切れの終端状態。
	DocumentStatusExpired DocumentStatus = "EXPIRED"
	// DocumentStatusCancelled は送信者により取り消された終端状態。
	DocumentStatusCancelled DocumentStatus = "CANCELLED"
)

// IsTerminal は終端状態かどうかを返す。
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusCompleted, DocumentStatusExpired, DocumentStatusCancelled:
		return true
	}
	return false
}

// IsValid は定義済みのステータスかどうかを返す。
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentStatusDraft, DocumentStatusSent,
		DocumentStatusCompleted, DocumentStatusExpired, DocumentStatusCancelled:
		return true
	}
	return false
}

// Document は署名依頼の対象となる文書を表す。
// メタデータを変更できるのは送信者のみ。
type Document struct {
	ID          string
	SenderID    string
	Title       string
	Description string
	FileRef     string // ストレージ上のURLまたはキー。エンジンは解釈しない
	FileSize    int64
	MimeType    string
	Status      DocumentStatus
	ExpiresAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpiredAt は期限が設定されており、指定時刻時点で期限を過ぎているかを返す。
func (d *Document) IsExpiredAt(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// DocumentWithSignatures は文書と全署名を結合したモデル。
type DocumentWithSignatures struct {
	Document
	Signatures []*Signature
}

// ExpiryKey は期限切れスイープのページング位置。(ExpiresAt, ID) の順で一意に並ぶ。
type ExpiryKey struct {
	ExpiresAt time.Time
	ID        string
}

// DocumentFilter は文書一覧の絞り込み条件。
type DocumentFilter struct {
	Status *DocumentStatus
	Cursor time.Time // created_at がこれより古いものを返す。ゼロ値は先頭から
	Limit  int
}
