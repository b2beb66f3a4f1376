package model

import "time"

// EventType はライフサイクルイベントの種別を表す。
type EventType string

const (
	// EventSignatureRequested は署名依頼の作成時に発行される。
	EventSignatureRequested EventType = "SignatureRequested"
	// EventSignatureCollected は署名を受け付けたが文書が未完了のときに発行される。
	EventSignatureCollected EventType = "SignatureCollected"
	// EventSignatureDeclined は受信者が辞退したときに発行される（送信者への通知用）。
	EventSignatureDeclined EventType = "SignatureDeclined"
	// EventDocumentCompleted は全署名が揃ったときに1回だけ発行される。
	EventDocumentCompleted EventType = "DocumentCompleted"
	// EventDocumentExpired は文書が期限切れになったときに発行される。
	EventDocumentExpired EventType = "DocumentExpired"
	// EventDocumentCancelled は送信者が文書を取り消したときに発行される。
	EventDocumentCancelled EventType = "DocumentCancelled"
	// EventReminderDue は署名依頼のリマインドが必要なときに発行される。
	EventReminderDue EventType = "ReminderDue"
)

// Event は通知ディスパッチャへ渡すライフサイクルイベント。
// 状態遷移と同一トランザクションでアウトボックスに書き込まれる。
type Event struct {
	ID             string
	Type           EventType
	DocumentID     string
	SignatureID    string
	RecipientEmail string
	SigningToken   string // 配信時に付与する。永続化しない
	OccurredAt     time.Time
}

// OutboxEvent は配信状態を含むアウトボックス上のイベント。
type OutboxEvent struct {
	Event
	Attempts      int
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
	FailedAt      *time.Time
	LastError     string
}
