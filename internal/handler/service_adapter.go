package handler

import (
	"context"

	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/signing"
)

// SigningServiceAdapter は signing.Service を DocumentServiceInterface と
// SignatureServiceInterface に適合させるアダプタ。
// 戻り値がhandlerのレスポンス型になる操作のみここで変換し、残りは埋め込みで委譲する。
type SigningServiceAdapter struct {
	*signing.Service
}

// NewSigningServiceAdapter はSigningServiceAdapterを生成する。
func NewSigningServiceAdapter(svc *signing.Service) *SigningServiceAdapter {
	return &SigningServiceAdapter{Service: svc}
}

// BatchStatusChange は一括ステータス変更の結果をhandlerレスポンス型で返す。
func (a *SigningServiceAdapter) BatchStatusChange(ctx context.Context, senderID string, documentIDs []string, target model.DocumentStatus) ([]batchItemResponse, error) {
	results, err := a.Service.BatchStatusChange(ctx, senderID, documentIDs, target)
	if err != nil {
		return nil, err
	}

	resp := make([]batchItemResponse, len(results))
	for i, res := range results {
		item := batchItemResponse{DocumentID: res.DocumentID, OK: res.Err == nil}
		if res.Err != nil {
			item.Error = errorBodyOf(res.Err)
		} else {
			item.Status = res.Status
		}
		resp[i] = item
	}
	return resp, nil
}

// GetSignatureForRecipient は受信者向けの情報をhandlerレスポンス型で返す。
func (a *SigningServiceAdapter) GetSignatureForRecipient(ctx context.Context, signatureID string) (*recipientViewResponse, error) {
	view, err := a.Service.GetSignatureForRecipient(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	resp := toRecipientViewResponse(view.Signature, view.Document)
	return &resp, nil
}

// compile-time interface check
var (
	_ DocumentServiceInterface  = (*SigningServiceAdapter)(nil)
	_ SignatureServiceInterface = (*SigningServiceAdapter)(nil)
)
