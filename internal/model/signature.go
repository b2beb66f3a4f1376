package model

import "time"

// SignatureStatus は署名依頼のステータスを表す。
type SignatureStatus string

const (
	// SignatureStatusPending は受信者の対応待ち。
	SignatureStatusPending SignatureStatus = "PENDING"
	// SignatureStatusSigned は署名済みの終端状態。
	SignatureStatusSigned SignatureStatus = "SIGNED"
	// SignatureStatusDeclined は辞退済みの終端状態。
	SignatureStatusDeclined SignatureStatus = "DECLINED"
	// SignatureStatusExpired は期限切れ・取り消しによる終端状態。
	SignatureStatusExpired SignatureStatus = "EXPIRED"
)

// IsTerminal は終端状態かどうかを返す。
func (s SignatureStatus) IsTerminal() bool {
	switch s {
	case SignatureStatusSigned, SignatureStatusDeclined, SignatureStatusExpired:
		return true
	}
	return false
}

// Signature は受信者1人分の署名依頼を表す。
// 1文書につき受信者ごとに1件作成され、文書の削除時のみCASCADE削除される。
type Signature struct {
	ID             string
	DocumentID     string
	RecipientEmail string
	RecipientName  string
	Status         SignatureStatus
	Payload        []byte // SIGNEDのときのみ保持する不透明な署名データ
	SignedAt       *time.Time
	DeclinedAt     *time.Time
	DeclineReason  string
	IPAddress      string
	Geo            string
	LastRemindedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Recipient は署名依頼の送信先。
type Recipient struct {
	Email string
	Name  string
}

// CaptureMeta は署名時に記録する付帯情報。
type CaptureMeta struct {
	IP  string
	Geo string
}

// SignatureFields は状態遷移時に同時に更新するフィールド。
// nil/空のフィールドは更新しない。
type SignatureFields struct {
	Payload       []byte
	SignedAt      *time.Time
	DeclinedAt    *time.Time
	DeclineReason string
	IPAddress     string
	Geo           string
	UpdatedAt     time.Time
}
