package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidToken は署名リンクのトークンが一致しない場合のエラー。
var ErrInvalidToken = errors.New("invalid signing token")

// TokenIssuer は署名依頼IDに紐づく署名リンクのトークンを発行・検証する。
// 受信者はログインせず、このトークンで自分の署名依頼を操作する。
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer はTokenIssuerの新しいインスタンスを生成する。secretは空であってはならない。
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is empty")
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Issue は署名依頼IDのトークン（HMAC-SHA256の16進表現）を返す。
func (t *TokenIssuer) Issue(signatureID string) string {
	return hex.EncodeToString(t.mac(signatureID))
}

// Verify はトークンが署名依頼IDに対して発行されたものかを検証する。
func (t *TokenIssuer) Verify(signatureID, token string) error {
	got, err := hex.DecodeString(token)
	if err != nil || !hmac.Equal(got, t.mac(signatureID)) {
		return ErrInvalidToken
	}
	return nil
}

func (t *TokenIssuer) mac(signatureID string) []byte {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(signatureID))
	return h.Sum(nil)
}
