// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はライフサイクル操作の失敗種別を表す。
// API層はこの種別からレスポンスを決定する。エンジン自身はHTTPの意味論を持たない。
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindInvalidState    ErrorKind = "invalid_state"
	KindAlreadyResolved ErrorKind = "already_resolved"
	KindExpired         ErrorKind = "expired"
	KindForbidden       ErrorKind = "forbidden"
	KindNotFound        ErrorKind = "not_found"
	KindStaleState      ErrorKind = "stale_state"
	KindUnavailable     ErrorKind = "unavailable"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, document, signature, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はerrors.Isで種別センチネルと比較できるようにする。
// Codeが空のtargetは種別のみで一致を判定する。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// 種別ごとのセンチネル。errors.Is(err, model.ErrStaleState) のように使う。
var (
	ErrValidation      = &APIError{Kind: KindValidation}
	ErrInvalidState    = &APIError{Kind: KindInvalidState}
	ErrAlreadyResolved = &APIError{Kind: KindAlreadyResolved}
	ErrExpired         = &APIError{Kind: KindExpired}
	ErrForbidden       = &APIError{Kind: KindForbidden}
	ErrNotFound        = &APIError{Kind: KindNotFound}
	ErrStaleState      = &APIError{Kind: KindStaleState}
	ErrUnavailable     = &APIError{Kind: KindUnavailable}
)

// KindOf はエラーの種別を返す。APIErrorでない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// 定義済みエラーコード
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidRecipients = "INVALID_RECIPIENTS"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTarget     = "INVALID_TARGET_STATUS"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeDocumentNotFound  = "DOCUMENT_NOT_FOUND"
	ErrCodeSignatureNotFound = "SIGNATURE_NOT_FOUND"
	ErrCodeStaleState        = "STALE_STATE"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRecipientsError は受信者リストの不正エラーを生成する。
func NewInvalidRecipientsError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidRecipients,
		Message:  fmt.Sprintf("受信者の指定が不正です: %s", reason),
		Category: "validation",
		Action:   "受信者のメールアドレスに誤りや重複がないか確認してください。",
	}
}

// NewInvalidTargetStatusError は一括変更で指定できないステータスのエラーを生成する。
func NewInvalidTargetStatusError(status string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidTarget,
		Message:  fmt.Sprintf("一括変更で指定できないステータスです: %s", status),
		Category: "validation",
		Action:   "一括変更では CANCELLED のみ指定できます。",
	}
}

// NewDocumentInvalidStateError は文書の現在のステータスでは許可されない操作のエラーを生成する。
func NewDocumentInvalidStateError(documentID string, status DocumentStatus, operation string) *APIError {
	return &APIError{
		Kind:     KindInvalidState,
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("文書 %s はステータス %s のため %s できません。", documentID, status, operation),
		Category: "document",
		Action:   "文書のステータスを確認してください。",
	}
}

// NewSignatureInvalidStateError は署名依頼の現在のステータスでは許可されない操作のエラーを生成する。
func NewSignatureInvalidStateError(signatureID string, status SignatureStatus, operation string) *APIError {
	return &APIError{
		Kind:     KindInvalidState,
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("署名依頼 %s はステータス %s のため %s できません。", signatureID, status, operation),
		Category: "signature",
		Action:   "署名依頼のステータスを確認してください。",
	}
}

// NewAlreadyResolvedError は処理済みの署名依頼に対する再操作のエラーを生成する。
func NewAlreadyResolvedError(signatureID string, status SignatureStatus) *APIError {
	return &APIError{
		Kind:     KindAlreadyResolved,
		Code:     ErrCodeAlreadyResolved,
		Message:  fmt.Sprintf("署名依頼 %s は既に処理済みです（%s）。", signatureID, status),
		Category: "signature",
		Action:   "この署名依頼に対する操作は不要です。",
	}
}

// NewExpiredError は期限切れのエラーを生成する。
func NewExpiredError(documentID string) *APIError {
	return &APIError{
		Kind:     KindExpired,
		Code:     ErrCodeExpired,
		Message:  fmt.Sprintf("文書 %s の署名期限が過ぎています。", documentID),
		Category: "document",
		Action:   "送信者に再送を依頼してください。",
	}
}

// NewForbiddenError は操作権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Kind:     KindForbidden,
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "文書の送信者、または署名依頼の受信者として操作してください。",
	}
}

// NewDocumentNotFoundError は文書が見つからない場合のエラーを生成する。
func NewDocumentNotFoundError(documentID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeDocumentNotFound,
		Message:  fmt.Sprintf("指定された文書が見つかりません: %s", documentID),
		Category: "document",
		Action:   "文書IDを確認してください。",
	}
}

// NewSignatureNotFoundError は署名依頼が見つからない場合のエラーを生成する。
func NewSignatureNotFoundError(signatureID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeSignatureNotFound,
		Message:  fmt.Sprintf("指定された署名依頼が見つかりません: %s", signatureID),
		Category: "signature",
		Action:   "署名依頼IDを確認してください。",
	}
}

// NewStaleStateError は楽観的並行制御の競合エラーを生成する。
func NewStaleStateError(entity, id string) *APIError {
	return &APIError{
		Kind:     KindStaleState,
		Code:     ErrCodeStaleState,
		Message:  fmt.Sprintf("%s %s は他の操作により更新されました。", entity, id),
		Category: "system",
		Action:   "最新の状態を取得してから再度お試しください。",
	}
}

// NewUnavailableError はストアのタイムアウト等、再試行可能なエラーを生成する。
func NewUnavailableError(cause error) *APIError {
	return &APIError{
		Kind:     KindUnavailable,
		Code:     ErrCodeUnavailable,
		Message:  "一時的に処理できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}
