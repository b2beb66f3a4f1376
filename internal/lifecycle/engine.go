package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/payflow/internal/model"
)

const (
	// MaxPayloadSize は署名ペイロードの最大バイト数（1MiB）。
	MaxPayloadSize = 1 << 20
	// maxDeclineReasonLength は辞退理由の最大バイト数。
	maxDeclineReasonLength = 1000
)

// Engine は文書・署名依頼のライフサイクル判定を行う。
// 状態を持たず、現在のスナップショットと時刻から遷移計画を組み立てる。
type Engine struct {
	newID func() string
}

// New はEngineを生成する。newIDがnilの場合はUUIDv4を使用する。
func New(newID func() string) *Engine {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{newID: newID}
}

// DispatchPlan は送信時に作成する署名依頼と発行するイベント。
type DispatchPlan struct {
	Signatures []*model.Signature
	Events     []model.Event
}

// Response は受信者操作（署名・辞退）や送信者のリマインド操作に対する判定結果。
//
// Errがnilの場合、呼び出し元はPENDINGからToへの遷移をFieldsとともに適用する。
// Expireがtrueの場合は期限切れを遅延検出したことを表し、呼び出し元は
// 文書の期限切れ処理をコミットしてからErrを返す。
type Response struct {
	To     model.SignatureStatus
	Fields model.SignatureFields
	Expire bool
	Err    error
}

// CascadePlan は文書の終端遷移と、同時にEXPIREDへ遷移させるPENDING署名依頼の計画。
type CascadePlan struct {
	From             model.DocumentStatus
	To               model.DocumentStatus
	ExpireSignatures []string
	Events           []model.Event
}

// Dispatch は下書き文書の送信を判定する。
// 文書がDRAFTでない場合はInvalidState、受信者が不正な場合はValidationErrorを返す。
func (e *Engine) Dispatch(doc *model.Document, recipients []model.Recipient, now time.Time) (*DispatchPlan, error) {
	if doc.Status != model.DocumentStatusDraft {
		return nil, model.NewDocumentInvalidStateError(doc.ID, doc.Status, "送信")
	}
	if doc.IsExpiredAt(now) {
		return nil, model.NewValidationError("署名期限が過去の日時です")
	}

	normalized, err := ValidateRecipients(recipients)
	if err != nil {
		return nil, err
	}

	plan := &DispatchPlan{
		Signatures: make([]*model.Signature, 0, len(normalized)),
		Events:     make([]model.Event, 0, len(normalized)),
	}
	for _, r := range normalized {
		sig := &model.Signature{
			ID:             e.newID(),
			DocumentID:     doc.ID,
			RecipientEmail: r.Email,
			RecipientName:  r.Name,
			Status:         model.SignatureStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		plan.Signatures = append(plan.Signatures, sig)
		plan.Events = append(plan.Events, e.signatureEvent(model.EventSignatureRequested, sig, now))
	}

	return plan, nil
}

// Sign は署名操作を判定する。
// 判定順序: 署名依頼がPENDINGか（AlreadyResolved）、文書がSENTか（InvalidState）、
// 期限内か（Expired。文書の期限切れ処理を要求する）。
func (e *Engine) Sign(doc *model.Document, sig *model.Signature, payload []byte, meta model.CaptureMeta, now time.Time) Response {
	if len(payload) == 0 {
		return Response{Err: model.NewValidationError("署名データが空です")}
	}
	if len(payload) > MaxPayloadSize {
		return Response{Err: model.NewValidationError(
			fmt.Sprintf("署名データが上限（%dバイト）を超えています", MaxPayloadSize))}
	}

	if resp, ok := e.checkRespondable(doc, sig, now); !ok {
		return resp
	}

	signedAt := now
	return Response{
		To: model.SignatureStatusSigned,
		Fields: model.SignatureFields{
			Payload:   payload,
			SignedAt:  &signedAt,
			IPAddress: meta.IP,
			Geo:       meta.Geo,
			UpdatedAt: now,
		},
	}
}

// Decline は辞退操作を判定する。
// 辞退は文書のステータスに影響しない。他の受信者は引き続き署名・辞退できる。
// 辞退が1件でもある文書は完了せず、取り消しか期限切れによってのみ終端に達する。
func (e *Engine) Decline(doc *model.Document, sig *model.Signature, reason string, now time.Time) Response {
	if len(reason) > maxDeclineReasonLength {
		return Response{Err: model.NewValidationError(
			fmt.Sprintf("辞退理由が上限（%dバイト）を超えています", maxDeclineReasonLength))}
	}

	if resp, ok := e.checkRespondable(doc, sig, now); !ok {
		return resp
	}

	declinedAt := now
	return Response{
		To: model.SignatureStatusDeclined,
		Fields: model.SignatureFields{
			DeclinedAt:    &declinedAt,
			DeclineReason: reason,
			UpdatedAt:     now,
		},
	}
}

// checkRespondable は受信者が応答可能な状態かを検証する。
func (e *Engine) checkRespondable(doc *model.Document, sig *model.Signature, now time.Time) (Response, bool) {
	if sig.Status != model.SignatureStatusPending {
		return Response{Err: model.NewAlreadyResolvedError(sig.ID, sig.Status)}, false
	}
	if doc.Status != model.DocumentStatusSent {
		return Response{Err: model.NewDocumentInvalidStateError(doc.ID, doc.Status, "署名・辞退")}, false
	}
	if doc.IsExpiredAt(now) {
		return Response{Expire: true, Err: model.NewExpiredError(doc.ID)}, false
	}
	return Response{}, true
}

// ResponseEvents は署名・辞退の適用後に発行するイベントを返す。
// 署名によって文書が完了した場合はDocumentCompletedのみ、
// 未完了の場合はSignatureCollectedを発行する。
func (e *Engine) ResponseEvents(doc *model.Document, sig *model.Signature, completed bool, now time.Time) []model.Event {
	switch sig.Status {
	case model.SignatureStatusSigned:
		if completed {
			return []model.Event{e.documentEvent(model.EventDocumentCompleted, doc, now)}
		}
		return []model.Event{e.signatureEvent(model.EventSignatureCollected, sig, now)}
	case model.SignatureStatusDeclined:
		return []model.Event{e.signatureEvent(model.EventSignatureDeclined, sig, now)}
	case model.SignatureStatusPending, model.SignatureStatusExpired:
		return nil
	}
	return nil
}

// Cancel は文書の取り消しを判定する。
// DRAFTまたはSENTのみ取り消せる。PENDINGの署名依頼は全てEXPIREDになる。
func (e *Engine) Cancel(doc *model.Document, sigs []*model.Signature, now time.Time) (*CascadePlan, error) {
	if !CanTransitionDocument(doc.Status, model.DocumentStatusCancelled) {
		return nil, model.NewDocumentInvalidStateError(doc.ID, doc.Status, "取り消し")
	}

	plan := &CascadePlan{
		From:             doc.Status,
		To:               model.DocumentStatusCancelled,
		ExpireSignatures: PendingIDs(sigs),
	}
	if doc.Status == model.DocumentStatusSent {
		plan.Events = []model.Event{e.documentEvent(model.EventDocumentCancelled, doc, now)}
	}
	return plan, nil
}

// Expire は期限切れ処理を判定する。
// SENTかつ期限を過ぎた文書のみ対象となり、対象外の場合はfalseを返す。
func (e *Engine) Expire(doc *model.Document, sigs []*model.Signature, now time.Time) (*CascadePlan, bool) {
	if doc.Status != model.DocumentStatusSent || !doc.IsExpiredAt(now) {
		return nil, false
	}
	return &CascadePlan{
		From:             model.DocumentStatusSent,
		To:               model.DocumentStatusExpired,
		ExpireSignatures: PendingIDs(sigs),
		Events:           []model.Event{e.documentEvent(model.EventDocumentExpired, doc, now)},
	}, true
}

// Resend は送信者によるリマインド再送を判定する。
// 送信者以外はForbidden、PENDINGでない場合や文書がSENTでない場合はInvalidStateを返す。
// ステータスは変化させず、updated_atの更新とReminderDueの発行のみを行う。
func (e *Engine) Resend(doc *model.Document, sig *model.Signature, callerID string, now time.Time) (Response, []model.Event) {
	if doc.SenderID != callerID {
		return Response{Err: model.NewForbiddenError()}, nil
	}
	if sig.Status != model.SignatureStatusPending {
		return Response{Err: model.NewSignatureInvalidStateError(sig.ID, sig.Status, "再送")}, nil
	}
	if doc.Status != model.DocumentStatusSent {
		return Response{Err: model.NewDocumentInvalidStateError(doc.ID, doc.Status, "再送")}, nil
	}
	if doc.IsExpiredAt(now) {
		return Response{Expire: true, Err: model.NewExpiredError(doc.ID)}, nil
	}
	return Response{To: model.SignatureStatusPending, Fields: model.SignatureFields{UpdatedAt: now}},
		[]model.Event{e.signatureEvent(model.EventReminderDue, sig, now)}
}

// Reminder は定期リマインドで発行するイベントを返す。
func (e *Engine) Reminder(sig *model.Signature, now time.Time) model.Event {
	return e.signatureEvent(model.EventReminderDue, sig, now)
}

// CheckOwner は呼び出し元が文書の送信者であることを検証する。
func CheckOwner(doc *model.Document, callerID string) error {
	if doc.SenderID != callerID {
		return model.NewForbiddenError()
	}
	return nil
}

// CheckEditable は文書のメタデータを変更できるかを検証する。
// 終端状態の文書は読み取り専用。
func CheckEditable(doc *model.Document) error {
	if doc.Status.IsTerminal() {
		return model.NewDocumentInvalidStateError(doc.ID, doc.Status, "編集")
	}
	return nil
}

// CheckDeletable は文書を削除できるかを検証する。
// 署名依頼が進行中（SENT）の文書は、先に取り消す必要がある。
func CheckDeletable(doc *model.Document) error {
	if doc.Status == model.DocumentStatusSent {
		return model.NewDocumentInvalidStateError(doc.ID, doc.Status, "削除")
	}
	return nil
}

// ValidateBatchTarget は一括ステータス変更の遷移先を検証する。
// 送信者が一括で指定できるのはCANCELLEDのみ。
func ValidateBatchTarget(target model.DocumentStatus) error {
	if target != model.DocumentStatusCancelled {
		return model.NewInvalidTargetStatusError(string(target))
	}
	return nil
}

func (e *Engine) signatureEvent(typ model.EventType, sig *model.Signature, now time.Time) model.Event {
	return model.Event{
		ID:             e.newID(),
		Type:           typ,
		DocumentID:     sig.DocumentID,
		SignatureID:    sig.ID,
		RecipientEmail: sig.RecipientEmail,
		OccurredAt:     now,
	}
}

func (e *Engine) documentEvent(typ model.EventType, doc *model.Document, now time.Time) model.Event {
	return model.Event{
		ID:         e.newID(),
		Type:       typ,
		DocumentID: doc.ID,
		OccurredAt: now,
	}
}
