// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は文書タイトル・説明・辞退理由などのユーザー入力から
// HTMLを除去する。エンジンはこれらをプレーンテキストとして扱う。
// WebhookGuard は通知先Webhookへの送信をSSRFから保護する。
// TokenIssuer は受信者向け署名リンクのトークンを発行・検証する。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はテキスト入力からHTMLタグを除去する。
// bluemondayのStrictPolicyは並行利用に対して安全。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText は全てのタグを除去したプレーンテキストを返す。
// StrictPolicyは文字参照をエスケープして返すため、保存前に元の文字へ戻す。
// 出力時のエスケープは表示側の責務。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return html.UnescapeString(s.policy.Sanitize(raw))
}
