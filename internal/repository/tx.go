package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/payflow/internal/model"
)

// DefaultTxTimeout はトランザクションの既定の上限時間。
const DefaultTxTimeout = 5 * time.Second

// DB はPostgresStoreが必要とするデータベース操作。*sql.DB が満たす。
type DB interface {
	TxBeginner
	Querier
}

// PostgresStore はトランザクション境界を提供する。
// 全てのトランザクションはREAD COMMITTEDで開始し、上限時間とlock_timeoutを設定する。
// 直列化は文書行の FOR UPDATE ロックと条件付きUPDATEで行う。
type PostgresStore struct {
	db      DB
	timeout time.Duration
}

// NewPostgresStore はPostgresStoreを生成する。timeoutが0以下の場合は既定値を使用する。
func NewPostgresStore(db DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	return &PostgresStore{db: db, timeout: timeout}
}

// RunInTx はfnを1つのトランザクション内で実行する。
func (s *PostgresStore) RunInTx(ctx context.Context, fn TxFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return MapError(fmt.Errorf("トランザクションの開始に失敗しました: %w", err))
	}
	defer tx.Rollback()

	// ロック待ちがトランザクションの上限時間を超えないようにする
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.timeout.Milliseconds())); err != nil {
		return MapError(fmt.Errorf("lock_timeoutの設定に失敗しました: %w", err))
	}

	if err := fn(ctx, tx); err != nil {
		return MapError(err)
	}

	if err := tx.Commit(); err != nil {
		return MapError(fmt.Errorf("トランザクションのコミットに失敗しました: %w", err))
	}
	return nil
}

// View はトランザクションを開始せずにfnを実行する。
func (s *PostgresStore) View(ctx context.Context, fn TxFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return MapError(fn(ctx, s.db))
}

// MapError はドライバのエラーをmodelのエラー種別に変換する。
// 既にAPIErrorの場合はそのまま返す。再試行で解消しうるエラーはUnavailableにする。
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return model.NewUnavailableError(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08": // connection_exception
			return model.NewUnavailableError(err)
		case pqErr.Code == "57014", // query_canceled（statement_timeout 含む）
			pqErr.Code == "55P03", // lock_not_available
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "57P01": // admin_shutdown
			return model.NewUnavailableError(err)
		case pqErr.Code == "23505" && pqErr.Constraint == recipientUniqueConstraint: // unique_violation
			return model.NewInvalidRecipientsError("同じ受信者が既に登録されています")
		}
	}

	return err
}

// recipientUniqueConstraint は文書内の受信者重複を防ぐ一意制約の名前。
const recipientUniqueConstraint = "uq_signatures_document_recipient"

// compile-time interface check
var _ TxRunner = (*PostgresStore)(nil)
