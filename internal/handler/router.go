package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/payflow/internal/middleware"
)

// HealthChecker はヘルスチェックでDB疎通を確認するためのインターフェース。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	// TrustProxy がtrueの場合、X-Forwarded-For等からクライアントIPを取得する。
	TrustProxy bool

	// 運用
	Logger         *slog.Logger
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 署名ライフサイクル
	DocumentService  DocumentServiceInterface
	SignatureService SignatureServiceInterface
	TokenVerifier    TokenVerifier
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//	送信者API: Session → RateLimit(General) → CSRF
//	署名リンクAPI: RateLimit(Signing)
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	docHandler := NewDocumentHandler(deps.DocumentService)
	sigHandler := NewSignatureHandler(deps.SignatureService, deps.TokenVerifier)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// CSRFトークン取得（セッション不要）
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 送信者API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Route("/api/documents", func(r chi.Router) {
			r.Post("/", docHandler.CreateDocument)
			r.Get("/", docHandler.ListDocuments)
			r.Post("/batch", docHandler.BatchStatusChange)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", docHandler.GetDocument)
				r.Patch("/", docHandler.UpdateDocument)
				r.Delete("/", docHandler.DeleteDocument)
				r.Post("/send", docHandler.SendDocument)
				r.Post("/cancel", docHandler.CancelDocument)
				r.Get("/events", docHandler.GetDocumentEvents)
			})
		})

		r.Post("/api/signatures/{id}/resend", docHandler.ResendSignature)
	})

	// --- 署名リンクAPI（トークン認証） ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.SigningMiddleware())

		r.Get("/api/signatures/{id}/verify", sigHandler.VerifySignature)
		r.Post("/api/signatures/{id}/sign", sigHandler.SignSignature)
		r.Post("/api/signatures/{id}/decline", sigHandler.DeclineSignature)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
