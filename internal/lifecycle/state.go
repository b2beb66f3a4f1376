// Package lifecycle は文書と署名依頼の状態遷移を判定する純粋なロジックを提供する。
// ストアから読み出したスナップショットに対して次の遷移を決定するだけで、
// 永続化やイベント配信は行わない。呼び出し元は同一トランザクション内で判定結果を適用する。
package lifecycle

import "github.com/hitoshi/payflow/internal/model"

// CanTransitionDocument は文書ステータスの遷移が許可されているかを返す。
//
//	DRAFT -> SENT | CANCELLED
//	SENT  -> COMPLETED | CANCELLED | EXPIRED
//
// 終端状態からの遷移は存在しない。
func CanTransitionDocument(from, to model.DocumentStatus) bool {
	switch from {
	case model.DocumentStatusDraft:
		return to == model.DocumentStatusSent || to == model.DocumentStatusCancelled
	case model.DocumentStatusSent:
		return to == model.DocumentStatusCompleted ||
			to == model.DocumentStatusCancelled ||
			to == model.DocumentStatusExpired
	case model.DocumentStatusCompleted, model.DocumentStatusExpired, model.DocumentStatusCancelled:
		return false
	}
	return false
}

// CanTransitionSignature は署名依頼ステータスの遷移が許可されているかを返す。
//
//	PENDING -> SIGNED | DECLINED | EXPIRED
//
// 終端状態に達した署名依頼は二度と変化しない。
func CanTransitionSignature(from, to model.SignatureStatus) bool {
	switch from {
	case model.SignatureStatusPending:
		return to == model.SignatureStatusSigned ||
			to == model.SignatureStatusDeclined ||
			to == model.SignatureStatusExpired
	case model.SignatureStatusSigned, model.SignatureStatusDeclined, model.SignatureStatusExpired:
		return false
	}
	return false
}

// AllSigned は全ての署名依頼がSIGNEDかどうかを返す。
// 署名依頼が1件もない場合はfalse。
func AllSigned(sigs []*model.Signature) bool {
	if len(sigs) == 0 {
		return false
	}
	for _, s := range sigs {
		if s.Status != model.SignatureStatusSigned {
			return false
		}
	}
	return true
}

// PendingIDs はPENDINGの署名依頼IDを返す。
func PendingIDs(sigs []*model.Signature) []string {
	var ids []string
	for _, s := range sigs {
		if s.Status == model.SignatureStatusPending {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
