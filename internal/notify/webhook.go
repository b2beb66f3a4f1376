package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/payflow/internal/model"
)

// maxErrorBodySize はエラー時にログへ残すレスポンスボディの最大サイズ。
const maxErrorBodySize = 512

// WebhookDispatcher はイベントをJSONでWebhookへPOSTする。
// X-Signatureヘッダにボディの HMAC-SHA256（16進）を付与し、受信側で改ざんを検出できるようにする。
type WebhookDispatcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	secret     []byte
	baseURL    string
}

// NewWebhookDispatcher はWebhookDispatcherの新しいインスタンスを生成する。
// httpClientにはSSRF防止付きのクライアント（security.WebhookGuard.NewSafeClient）を渡す。
func NewWebhookDispatcher(httpClient *http.Client, logger *slog.Logger, endpoint, secret, baseURL string) *WebhookDispatcher {
	return &WebhookDispatcher{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		secret:     []byte(secret),
		baseURL:    baseURL,
	}
}

// Dispatch はイベントを1回送信する。2xx以外のステータスはエラーとして返し、再送はリレーが判断する。
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(NewPayload(event, d.baseURL))
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Payflow/1.0 Notifier")
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Signature", d.sign(body))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Webhookの呼び出しに失敗しました",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		d.logger.Error("Webhookがエラーステータスを返しました",
			slog.String("event_id", event.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return fmt.Errorf("webhookがステータス %d を返しました", resp.StatusCode)
	}

	// 接続を再利用するためにボディを読み捨てる
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign はWebhookの受信側がX-Signatureを検証するための値を返す。
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) sign(body []byte) string {
	return Sign(d.secret, body)
}
