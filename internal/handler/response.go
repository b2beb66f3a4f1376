package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/payflow/internal/middleware"
	"github.com/hitoshi/payflow/internal/model"
)

// maxRequestBodySize はリクエストボディの上限（署名データを含むため2MiB）。
const maxRequestBodySize = 2 << 20

// --- レスポンス型 ---

// documentResponse は文書のAPIレスポンス。
type documentResponse struct {
	ID          string                `json:"id"`
	SenderID    string                `json:"sender_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	FileRef     string                `json:"file_ref"`
	FileSize    int64                 `json:"file_size"`
	MimeType    string                `json:"mime_type"`
	Status      model.DocumentStatus  `json:"status"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CancelledAt *time.Time            `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Signatures  []signatureResponse   `json:"signatures,omitempty"`
	Progress    *signingProgressCount `json:"progress,omitempty"`
}

// signingProgressCount は文書の署名状況の集計。
type signingProgressCount struct {
	Total    int `json:"total"`
	Signed   int `json:"signed"`
	Pending  int `json:"pending"`
	Declined int `json:"declined"`
}

// signatureResponse は送信者向けの署名依頼レスポンス。署名データ本体は返さない。
type signatureResponse struct {
	ID             string                `json:"id"`
	DocumentID     string                `json:"document_id"`
	RecipientEmail string                `json:"recipient_email"`
	RecipientName  string                `json:"recipient_name,omitempty"`
	Status         model.SignatureStatus `json:"status"`
	SignedAt       *time.Time            `json:"signed_at,omitempty"`
	DeclinedAt     *time.Time            `json:"declined_at,omitempty"`
	DeclineReason  string                `json:"decline_reason,omitempty"`
	LastRemindedAt *time.Time            `json:"last_reminded_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// documentListResponse は文書一覧のレスポンス。
type documentListResponse struct {
	Documents  []documentResponse `json:"documents"`
	NextCursor string             `json:"next_cursor,omitempty"`
	HasMore    bool               `json:"has_more"`
}

// eventResponse は通知イベント履歴のレスポンス。
type eventResponse struct {
	ID             string          `json:"id"`
	Type           model.EventType `json:"type"`
	SignatureID    string          `json:"signature_id,omitempty"`
	RecipientEmail string          `json:"recipient_email,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempts       int             `json:"attempts"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// batchItemResponse は一括ステータス変更の文書ごとの結果。
type batchItemResponse struct {
	DocumentID string                        `json:"document_id"`
	OK         bool                          `json:"ok"`
	Status     model.DocumentStatus          `json:"status,omitempty"`
	Error      *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// recipientViewResponse は署名リンクから受信者に見せる情報。
type recipientViewResponse struct {
	Signature recipientSignature `json:"signature"`
	Document  recipientDocument  `json:"document"`
}

type recipientSignature struct {
	ID             string                `json:"id"`
	RecipientEmail string                `json:"recipient_email"`
	RecipientName  string                `json:"recipient_name,omitempty"`
	Status         model.SignatureStatus `json:"status"`
	SignedAt       *time.Time            `json:"signed_at,omitempty"`
	DeclinedAt     *time.Time            `json:"declined_at,omitempty"`
}

type recipientDocument struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	FileRef     string               `json:"file_ref"`
	FileSize    int64                `json:"file_size"`
	MimeType    string               `json:"mime_type"`
	Status      model.DocumentStatus `json:"status"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

// --- 変換 ---

func toDocumentResponse(doc *model.Document) documentResponse {
	return documentResponse{
		ID:          doc.ID,
		SenderID:    doc.SenderID,
		Title:       doc.Title,
		Description: doc.Description,
		FileRef:     doc.FileRef,
		FileSize:    doc.FileSize,
		MimeType:    doc.MimeType,
		Status:      doc.Status,
		ExpiresAt:   doc.ExpiresAt,
		CompletedAt: doc.CompletedAt,
		CancelledAt: doc.CancelledAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func toDocumentDetailResponse(d *model.DocumentWithSignatures) documentResponse {
	resp := toDocumentResponse(&d.Document)
	resp.Signatures = make([]signatureResponse, len(d.Signatures))
	progress := &signingProgressCount{Total: len(d.Signatures)}
	for i, sig := range d.Signatures {
		resp.Signatures[i] = toSignatureResponse(sig)
		switch sig.Status {
		case model.SignatureStatusSigned:
			progress.Signed++
		case model.SignatureStatusPending:
			progress.Pending++
		case model.SignatureStatusDeclined:
			progress.Declined++
		}
	}
	resp.Progress = progress
	return resp
}

func toSignatureResponse(sig *model.Signature) signatureResponse {
	return signatureResponse{
		ID:             sig.ID,
		DocumentID:     sig.DocumentID,
		RecipientEmail: sig.RecipientEmail,
		RecipientName:  sig.RecipientName,
		Status:         sig.Status,
		SignedAt:       sig.SignedAt,
		DeclinedAt:     sig.DeclinedAt,
		DeclineReason:  sig.DeclineReason,
		LastRemindedAt: sig.LastRemindedAt,
		CreatedAt:      sig.CreatedAt,
		UpdatedAt:      sig.UpdatedAt,
	}
}

func toEventResponse(ev *model.OutboxEvent) eventResponse {
	return eventResponse{
		ID:             ev.ID,
		Type:           ev.Type,
		SignatureID:    ev.SignatureID,
		RecipientEmail: ev.RecipientEmail,
		OccurredAt:     ev.OccurredAt,
		Attempts:       ev.Attempts,
		DeliveredAt:    ev.DeliveredAt,
		FailedAt:       ev.FailedAt,
		LastError:      ev.LastError,
	}
}

func toRecipientViewResponse(sig *model.Signature, doc *model.Document) recipientViewResponse {
	return recipientViewResponse{
		Signature: recipientSignature{
			ID:             sig.ID,
			RecipientEmail: sig.RecipientEmail,
			RecipientName:  sig.RecipientName,
			Status:         sig.Status,
			SignedAt:       sig.SignedAt,
			DeclinedAt:     sig.DeclinedAt,
		},
		Document: recipientDocument{
			ID:          doc.ID,
			Title:       doc.Title,
			Description: doc.Description,
			FileRef:     doc.FileRef,
			FileSize:    doc.FileSize,
			MimeType:    doc.MimeType,
			Status:      doc.Status,
			ExpiresAt:   doc.ExpiresAt,
		},
	}
}

// errorBodyOf はエラーを統一フォーマットのボディに変換する。種別のないエラーは内部エラーとする。
func errorBodyOf(err error) *middleware.ErrorResponseBody {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return &middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}
	return &middleware.ErrorResponseBody{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// --- 共通処理 ---

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをJSONとして読み込む。失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを種別に応じたHTTPステータスに変換する。
// 種別を持たないエラーと一時的なエラーは詳細をログにのみ記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := middleware.WriteError(w, err)
	if status >= http.StatusInternalServerError {
		slog.Error("リクエストの処理に失敗しました",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}

// requireUserID はセッションミドルウェアが注入した送信者IDを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return userID, true
}

// validID はIDがUUID形式かどうかを返す。不正なIDは存在しないものとして扱う。
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
