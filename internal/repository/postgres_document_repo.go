package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/payflow/internal/model"
)

const documentColumns = `id, sender_id, title, description, file_ref, file_size, mime_type,
	status, expires_at, completed_at, cancelled_at, created_at, updated_at`

// PostgresDocumentRepo はPostgreSQLを使用した文書リポジトリ。
type PostgresDocumentRepo struct{}

// NewPostgresDocumentRepo はPostgresDocumentRepoを生成する。
func NewPostgresDocumentRepo() *PostgresDocumentRepo {
	return &PostgresDocumentRepo{}
}

// Create は下書き文書を作成する。
func (r *PostgresDocumentRepo) Create(ctx context.Context, q Querier, doc *model.Document) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO documents (id, sender_id, title, description, file_ref, file_size, mime_type,
		                        status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.SenderID, doc.Title, doc.Description, doc.FileRef, doc.FileSize, doc.MimeType,
		string(doc.Status), nullTime(doc.ExpiresAt), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("文書の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの文書を取得する。見つからない場合はnilを返す。
func (r *PostgresDocumentRepo) FindByID(ctx context.Context, q Querier, id string) (*model.Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("文書の取得に失敗しました: %w", err)
	}
	return doc, nil
}

// FindByIDForUpdate は指定IDの文書を行ロック付きで取得する。
// 同じ文書の署名依頼に対する書き込みは、このロックによって直列化される。
func (r *PostgresDocumentRepo) FindByIDForUpdate(ctx context.Context, q Querier, id string) (*model.Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("文書のロック取得に失敗しました: %w", err)
	}
	return doc, nil
}

// ListBySender は送信者の文書一覧をcreated_at降順で返す。
func (r *PostgresDocumentRepo) ListBySender(ctx context.Context, q Querier, senderID string, filter model.DocumentFilter) ([]*model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE sender_id = $1`
	args := []any{senderID}
	argIndex := 2

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*filter.Status))
		argIndex++
	}

	// カーソルベースページネーション
	if !filter.Cursor.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIndex)
		args = append(args, filter.Cursor)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex)
	args = append(args, filter.Limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("文書一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("文書のスキャンに失敗しました: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("文書一覧の走査に失敗しました: %w", err)
	}
	return docs, nil
}

// UpdateMetadata はタイトル・説明・期限を更新する。
func (r *PostgresDocumentRepo) UpdateMetadata(ctx context.Context, q Querier, doc *model.Document) error {
	res, err := q.ExecContext(ctx,
		`UPDATE documents
		 SET title = $2, description = $3, expires_at = $4, updated_at = $5
		 WHERE id = $1 AND status IN ('DRAFT', 'SENT')`,
		doc.ID, doc.Title, doc.Description, nullTime(doc.ExpiresAt), doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("文書の更新に失敗しました: %w", err)
	}
	return requireOneRow(res, "文書", doc.ID)
}

// Delete は指定IDの文書を削除する。
func (r *PostgresDocumentRepo) Delete(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("文書の削除に失敗しました: %w", err)
	}
	return nil
}

// SetStatus は現在のステータスがfromの場合のみtoへ更新する。
// CANCELLEDへの遷移ではcancelled_atを、COMPLETEDへの遷移ではcompleted_atを記録する。
func (r *PostgresDocumentRepo) SetStatus(ctx context.Context, q Querier, id string, from, to model.DocumentStatus, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE documents
		 SET status = $3::text,
		     updated_at = $4,
		     cancelled_at = CASE WHEN $3::text = 'CANCELLED' THEN $4 ELSE cancelled_at END,
		     completed_at = CASE WHEN $3::text = 'COMPLETED' THEN $4 ELSE completed_at END
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("文書ステータスの更新に失敗しました: %w", err)
	}
	return requireOneRow(res, "文書", id)
}

// ListExpired は期限を過ぎたSENT文書を (expires_at, id) の昇順で返す。
// 処理に失敗してSENTのまま残った文書があっても、afterより後ろから読み進めるため後続の文書は取りこぼさない。
func (r *PostgresDocumentRepo) ListExpired(ctx context.Context, q Querier, now time.Time, after *model.ExpiryKey, limit int) ([]model.ExpiryKey, error) {
	var afterAt sql.NullTime
	var afterID sql.NullString
	if after != nil {
		afterAt = sql.NullTime{Time: after.ExpiresAt, Valid: true}
		afterID = sql.NullString{String: after.ID, Valid: true}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, expires_at FROM documents
		 WHERE status = 'SENT' AND expires_at <= $1
		   AND ($2::timestamptz IS NULL OR (expires_at, id) > ($2::timestamptz, $3::uuid))
		 ORDER BY expires_at ASC, id ASC
		 LIMIT $4`,
		now, afterAt, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ文書の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var keys []model.ExpiryKey
	for rows.Next() {
		var key model.ExpiryKey
		if err := rows.Scan(&key.ID, &key.ExpiresAt); err != nil {
			return nil, fmt.Errorf("期限切れ文書のスキャンに失敗しました: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("期限切れ文書の走査に失敗しました: %w", err)
	}
	return keys, nil
}

func scanDocument(row rowScanner) (*model.Document, error) {
	doc := &model.Document{}
	var expiresAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&doc.ID, &doc.SenderID, &doc.Title, &doc.Description, &doc.FileRef, &doc.FileSize, &doc.MimeType,
		&doc.Status, &expiresAt, &completedAt, &cancelledAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.ExpiresAt = nullTimeValue(expiresAt)
	doc.CompletedAt = nullTimeValue(completedAt)
	doc.CancelledAt = nullTimeValue(cancelledAt)
	return doc, nil
}

// requireOneRow は条件付きUPDATEが1行に適用されたことを確認する。
// 0行の場合は他の操作が先に状態を変えたとみなしStaleStateを返す。
func requireOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.NewStaleStateError(entity, id)
	}
	return nil
}

// compile-time interface check
var _ DocumentRepository = (*PostgresDocumentRepo)(nil)
