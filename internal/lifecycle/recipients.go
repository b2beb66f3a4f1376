package lifecycle

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/hitoshi/payflow/internal/model"
)

const (
	// MaxRecipients は1文書あたりの受信者数の上限。
	MaxRecipients = 50
	// maxRecipientNameLength は受信者表示名の最大文字数。
	maxRecipientNameLength = 200
	// maxEmailLength はRFC 5321のパス長上限。
	maxEmailLength = 254
)

// NormalizeEmail はメールアドレスを検証し、比較用の正規形に変換する。
// 前後の空白を除去し、ドメイン部をIDNAでASCII変換したうえで小文字化する。
// 表示名付きの形式（"Name <a@example.com>"）は受け付けない。
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("メールアドレスが空です")
	}
	if len(trimmed) > maxEmailLength {
		return "", fmt.Errorf("メールアドレスが長すぎます: %s", trimmed)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Name != "" || addr.Address != trimmed {
		return "", fmt.Errorf("メールアドレスの形式が不正です: %s", trimmed)
	}

	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("メールアドレスの形式が不正です: %s", trimmed)
	}
	local, domain := addr.Address[:at], addr.Address[at+1:]

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("メールアドレスのドメインが不正です: %s", trimmed)
	}
	if !strings.Contains(asciiDomain, ".") {
		return "", fmt.Errorf("メールアドレスのドメインが不正です: %s", trimmed)
	}

	return strings.ToLower(local) + "@" + strings.ToLower(asciiDomain), nil
}

// ValidateRecipients は受信者リストを検証し、正規化済みのリストを返す。
// 空リスト、形式不正、正規化後の重複のいずれかがあればバッチ全体をエラーとする。
func ValidateRecipients(recipients []model.Recipient) ([]model.Recipient, error) {
	if len(recipients) == 0 {
		return nil, model.NewInvalidRecipientsError("受信者が指定されていません")
	}
	if len(recipients) > MaxRecipients {
		return nil, model.NewInvalidRecipientsError(
			fmt.Sprintf("受信者数が上限（%d件）を超えています", MaxRecipients))
	}

	seen := make(map[string]struct{}, len(recipients))
	normalized := make([]model.Recipient, 0, len(recipients))
	for _, r := range recipients {
		email, err := NormalizeEmail(r.Email)
		if err != nil {
			return nil, model.NewInvalidRecipientsError(err.Error())
		}
		if _, dup := seen[email]; dup {
			return nil, model.NewInvalidRecipientsError(
				fmt.Sprintf("メールアドレスが重複しています: %s", email))
		}
		seen[email] = struct{}{}

		name := strings.TrimSpace(r.Name)
		if utf8.RuneCountInString(name) > maxRecipientNameLength {
			return nil, model.NewInvalidRecipientsError(
				fmt.Sprintf("表示名が長すぎます: %s", email))
		}

		normalized = append(normalized, model.Recipient{Email: email, Name: name})
	}

	return normalized, nil
}
