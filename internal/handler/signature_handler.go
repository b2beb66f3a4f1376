package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/payflow/internal/middleware"
	"github.com/hitoshi/payflow/internal/model"
)

// SignatureServiceInterface は署名リンクのハンドラーが必要とするサービスインターフェース。
type SignatureServiceInterface interface {
	// GetSignatureForRecipient は受信者向けの署名依頼と文書の情報を返す。
	GetSignatureForRecipient(ctx context.Context, signatureID string) (*recipientViewResponse, error)
	SignSignature(ctx context.Context, signatureID string, payload []byte, meta model.CaptureMeta) (*model.Signature, error)
	DeclineSignature(ctx context.Context, signatureID, reason string) (*model.Signature, error)
}

// TokenVerifier は署名リンクのトークンを検証する。
type TokenVerifier interface {
	Verify(signatureID, token string) error
}

// SignatureHandler は受信者向けの署名リンクHTTPハンドラー。
// 受信者はログインせず、署名依頼ごとに発行されたトークンで認証する。
type SignatureHandler struct {
	service SignatureServiceInterface
	tokens  TokenVerifier
}

// NewSignatureHandler はSignatureHandlerを生成する。
func NewSignatureHandler(service SignatureServiceInterface, tokens TokenVerifier) *SignatureHandler {
	return &SignatureHandler{service: service, tokens: tokens}
}

// signRequest は署名リクエストのボディ。payloadはbase64で受け取る。
type signRequest struct {
	Token   string `json:"token"`
	Payload []byte `json:"payload"`
	Geo     string `json:"geo,omitempty"`
}

type declineRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// VerifySignature はトークンを検証し、受信者向けの情報を返す。
// GET /api/signatures/{id}/verify?token=xxx
func (h *SignatureHandler) VerifySignature(w http.ResponseWriter, r *http.Request) {
	signatureID, ok := h.authorize(w, r, r.URL.Query().Get("token"))
	if !ok {
		return
	}

	view, err := h.service.GetSignatureForRecipient(r.Context(), signatureID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// SignSignature は署名依頼に署名する。
// POST /api/signatures/{id}/sign
func (h *SignatureHandler) SignSignature(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	signatureID, ok := h.authorize(w, r, req.Token)
	if !ok {
		return
	}

	meta := model.CaptureMeta{IP: middleware.ClientIP(r), Geo: req.Geo}
	sig, err := h.service.SignSignature(r.Context(), signatureID, req.Payload, meta)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSignatureResponse(sig))
}

// DeclineSignature は署名依頼を辞退する。
// POST /api/signatures/{id}/decline
func (h *SignatureHandler) DeclineSignature(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	signatureID, ok := h.authorize(w, r, req.Token)
	if !ok {
		return
	}

	sig, err := h.service.DeclineSignature(r.Context(), signatureID, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSignatureResponse(sig))
}

// authorize はURLの署名依頼IDとトークンを検証する。
// UUIDでないIDは404、トークン不一致は403とする。
func (h *SignatureHandler) authorize(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	signatureID := chi.URLParam(r, "id")
	if !validID(signatureID) {
		handleServiceError(w, r, model.NewSignatureNotFoundError(signatureID))
		return "", false
	}
	if token == "" || h.tokens.Verify(signatureID, token) != nil {
		handleServiceError(w, r, model.NewForbiddenError())
		return "", false
	}
	return signatureID, true
}
