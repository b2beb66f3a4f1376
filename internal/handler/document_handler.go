package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/signing"
)

// maxBatchSize は一括ステータス変更で一度に指定できる文書数。
const maxBatchSize = 100

// DocumentServiceInterface は文書ハンドラーが必要とするサービスインターフェース。
// 全ての操作は送信者IDを明示的に受け取る。
type DocumentServiceInterface interface {
	CreateDocument(ctx context.Context, senderID string, in signing.DraftInput) (*model.Document, error)
	UpdateDocument(ctx context.Context, senderID, documentID string, in signing.MetadataInput) (*model.Document, error)
	DeleteDocument(ctx context.Context, senderID, documentID string) error
	GetDocument(ctx context.Context, senderID, documentID string) (*model.DocumentWithSignatures, error)
	ListDocuments(ctx context.Context, senderID string, filter model.DocumentFilter) ([]*model.Document, error)
	DispatchDocument(ctx context.Context, senderID, documentID string, recipients []model.Recipient) (*model.Document, error)
	CancelDocument(ctx context.Context, senderID, documentID string) (*model.Document, error)
	// BatchStatusChange は文書ごとの結果をhandlerレスポンス型で返す。
	BatchStatusChange(ctx context.Context, senderID string, documentIDs []string, target model.DocumentStatus) ([]batchItemResponse, error)
	ResendSignature(ctx context.Context, senderID, signatureID string) error
	GetDocumentEvents(ctx context.Context, senderID, documentID string) ([]*model.OutboxEvent, error)
}

// DocumentHandler は送信者向けの文書管理HTTPハンドラー。
type DocumentHandler struct {
	service DocumentServiceInterface
}

// NewDocumentHandler はDocumentHandlerを生成する。
func NewDocumentHandler(service DocumentServiceInterface) *DocumentHandler {
	return &DocumentHandler{service: service}
}

// --- リクエスト型 ---

type createDocumentRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	FileRef     string     `json:"file_ref"`
	FileSize    int64      `json:"file_size"`
	MimeType    string     `json:"mime_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type updateDocumentRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

type recipientRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendDocumentRequest struct {
	Recipients []recipientRequest `json:"recipients"`
}

type batchStatusRequest struct {
	DocumentIDs []string             `json:"document_ids"`
	Status      model.DocumentStatus `json:"status"`
}

// CreateDocument は下書き文書を作成する。
// POST /api/documents
func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	senderID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	doc, err := h.service.CreateDocument(r.Context(), senderID, signing.DraftInput{
		Title:       req.Title,
		Description: req.Description,
		FileRef:     req.FileRef,
		FileSize:    req.FileSize,
		MimeType:    req.MimeType,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

// ListDocuments は送信者の文書一覧を返す。
// GET /api/documents?status=SENT&cursor=2026-03-01T09:00:00Z&limit=20
func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	senderID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var filter model.DocumentFilter
	if s := q.Get("status"); s != "" {
		status := model.DocumentStatus(s)
		filter.Status = &status
	}
	if c := q.Get("cursor"); c != "" {
		cursor, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			handleServiceError(w, r, model.NewValidationError("cursorの形式が不正です"))
			return
		}
		filter.Cursor = cursor
	}
	filter.Limit = signing.DefaultListLimit
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 {
			handleServiceError(w, r, model.NewValidationError("limitは正の整数で指定してください"))
			return
		}
		filter.Limit = min(limit, signing.MaxListLimit)
	}

	docs, err := h.service.ListDocuments(r.Context(), senderID, filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := documentListResponse{Documents: make([]documentResponse, len(docs))}
	for i, doc := range docs {
		resp.Documents[i] = toDocumentResponse(doc)
	}
	if len(docs) == filter.Limit && len(docs) > 0 {
		resp.HasMore = true
		resp.NextCursor = docs[len(docs)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetDocument は文書と署名状況を返す。
// GET /api/documents/{id}
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	detail, err := h.service.GetDocument(r.Context(), senderID, documentID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentDetailResponse(detail))
}

// UpdateDocument は文書のメタデータを更新する。
// PATCH /api/documents/{id}
func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	var req updateDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	doc, err := h.service.UpdateDocument(r.Context(), senderID, documentID, signing.MetadataInput{
		Title:       req.Title,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// DeleteDocument は下書きまたは終端状態の文書を削除する。
// DELETE /api/documents/{id}
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteDocument(r.Context(), senderID, documentID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SendDocument は文書を受信者に送信する。
// POST /api/documents/{id}/send
func (h *DocumentHandler) SendDocument(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	var req sendDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	recipients := make([]model.Recipient, len(req.Recipients))
	for i, rc := range req.Recipients {
		recipients[i] = model.Recipient{Email: rc.Email, Name: rc.Name}
	}

	doc, err := h.service.DispatchDocument(r.Context(), senderID, documentID, recipients)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// CancelDocument は送信済みの文書を取り消す。
// POST /api/documents/{id}/cancel
func (h *DocumentHandler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	doc, err := h.service.CancelDocument(r.Context(), senderID, documentID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// BatchStatusChange は複数文書のステータスを一括変更する。
// 文書ごとの成否を返すため、個別の失敗があってもステータスは200とする。
// POST /api/documents/batch
func (h *DocumentHandler) BatchStatusChange(w http.ResponseWriter, r *http.Request) {
	senderID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req batchStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.DocumentIDs) > maxBatchSize {
		handleServiceError(w, r, model.NewValidationError("一度に指定できる文書は"+strconv.Itoa(maxBatchSize)+"件までです"))
		return
	}

	results, err := h.service.BatchStatusChange(r.Context(), senderID, req.DocumentIDs, req.Status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GetDocumentEvents は文書の通知イベント履歴を返す。
// GET /api/documents/{id}/events
func (h *DocumentHandler) GetDocumentEvents(w http.ResponseWriter, r *http.Request) {
	senderID, documentID, ok := h.documentParams(w, r)
	if !ok {
		return
	}

	events, err := h.service.GetDocumentEvents(r.Context(), senderID, documentID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]eventResponse, len(events))
	for i, ev := range events {
		resp[i] = toEventResponse(ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": resp})
}

// ResendSignature は受信者に署名依頼を再通知する。
// POST /api/signatures/{id}/resend
func (h *DocumentHandler) ResendSignature(w http.ResponseWriter, r *http.Request) {
	senderID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	signatureID := chi.URLParam(r, "id")
	if !validID(signatureID) {
		handleServiceError(w, r, model.NewSignatureNotFoundError(signatureID))
		return
	}

	if err := h.service.ResendSignature(r.Context(), senderID, signatureID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// documentParams は送信者IDとURLの文書IDを取り出す。UUIDでないIDは404とする。
func (h *DocumentHandler) documentParams(w http.ResponseWriter, r *http.Request) (senderID, documentID string, ok bool) {
	senderID, ok = requireUserID(w, r)
	if !ok {
		return "", "", false
	}
	documentID = chi.URLParam(r, "id")
	if !validID(documentID) {
		handleServiceError(w, r, model.NewDocumentNotFoundError(documentID))
		return "", "", false
	}
	return senderID, documentID, true
}
