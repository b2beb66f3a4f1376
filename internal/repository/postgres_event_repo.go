package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/payflow/internal/model"
)

const eventColumns = `id, type, document_id, signature_id, recipient_email, occurred_at,
	attempts, next_attempt_at, delivered_at, failed_at, last_error`

// eventInsertColumns はAppendで1行あたりに渡すパラメータ数。
const eventInsertColumns = 7

// PostgresEventRepo はPostgreSQLを使用したアウトボックスリポジトリ。
type PostgresEventRepo struct{}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo() *PostgresEventRepo {
	return &PostgresEventRepo{}
}

// Append はイベントをアウトボックスに追加する。発生時刻から即時配信対象となる。
func (r *PostgresEventRepo) Append(ctx context.Context, q Querier, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO lifecycle_events (id, type, document_id, signature_id, recipient_email, occurred_at, next_attempt_at) VALUES `)
	args := make([]any, 0, len(events)*eventInsertColumns)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * eventInsertColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args,
			ev.ID, string(ev.Type), ev.DocumentID, nullString(ev.SignatureID), nullString(ev.RecipientEmail),
			ev.OccurredAt, ev.OccurredAt,
		)
	}

	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("イベントの登録に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue は配信対象のイベントを取得する。
// FOR UPDATE SKIP LOCKED で他のワーカーが処理中の行を避け、
// 同じ文でnext_attempt_atをleaseUntilへ先送りすることで、配信中に再取得されないようにする。
func (r *PostgresEventRepo) ClaimDue(ctx context.Context, q Querier, now, leaseUntil time.Time, limit int) ([]*model.OutboxEvent, error) {
	rows, err := q.QueryContext(ctx,
		`UPDATE lifecycle_events
		 SET next_attempt_at = $2
		 WHERE id IN (
		     SELECT id FROM lifecycle_events
		     WHERE delivered_at IS NULL AND failed_at IS NULL AND next_attempt_at <= $1
		     ORDER BY next_attempt_at ASC, occurred_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+eventColumns,
		now, leaseUntil, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象イベントの取得に失敗しました: %w", err)
	}
	return collectEvents(rows)
}

// MarkDelivered はイベントを配信済みにする。
func (r *PostgresEventRepo) MarkDelivered(ctx context.Context, q Querier, id string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE lifecycle_events SET delivered_at = $2, attempts = attempts + 1, last_error = NULL
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("イベントの配信済み更新に失敗しました: %w", err)
	}
	return nil
}

// Reschedule は配信失敗を記録し、次回の配信予定時刻を設定する。
func (r *PostgresEventRepo) Reschedule(ctx context.Context, q Querier, id string, attempts int, next time.Time, lastErr string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE lifecycle_events SET attempts = $2, next_attempt_at = $3, last_error = $4
		 WHERE id = $1`,
		id, attempts, next, nullString(lastErr),
	)
	if err != nil {
		return fmt.Errorf("イベントの再スケジュールに失敗しました: %w", err)
	}
	return nil
}

// MarkFailed は再試行上限に達したイベントを配信失敗として確定する。
func (r *PostgresEventRepo) MarkFailed(ctx context.Context, q Querier, id string, attempts int, at time.Time, lastErr string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE lifecycle_events SET attempts = $2, failed_at = $3, last_error = $4
		 WHERE id = $1`,
		id, attempts, at, nullString(lastErr),
	)
	if err != nil {
		return fmt.Errorf("イベントの配信失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// ListByDocument は文書に関するイベントを発生順に返す。
func (r *PostgresEventRepo) ListByDocument(ctx context.Context, q Querier, documentID string) ([]*model.OutboxEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM lifecycle_events
		 WHERE document_id = $1
		 ORDER BY occurred_at ASC, id ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("文書のイベント一覧の取得に失敗しました: %w", err)
	}
	return collectEvents(rows)
}

// PurgeDelivered はbefore以前に配信済みになったイベントを削除する。
func (r *PostgresEventRepo) PurgeDelivered(ctx context.Context, q Querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM lifecycle_events WHERE delivered_at IS NOT NULL AND delivered_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("配信済みイベントの削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]*model.OutboxEvent, error) {
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		ev := &model.OutboxEvent{}
		var sigID, email, lastErr sql.NullString
		var deliveredAt, failedAt sql.NullTime
		if err := rows.Scan(
			&ev.ID, &ev.Type, &ev.DocumentID, &sigID, &email, &ev.OccurredAt,
			&ev.Attempts, &ev.NextAttemptAt, &deliveredAt, &failedAt, &lastErr,
		); err != nil {
			return nil, fmt.Errorf("イベントのスキャンに失敗しました: %w", err)
		}
		ev.SignatureID = nullStringValue(sigID)
		ev.RecipientEmail = nullStringValue(email)
		ev.LastError = nullStringValue(lastErr)
		ev.DeliveredAt = nullTimeValue(deliveredAt)
		ev.FailedAt = nullTimeValue(failedAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの走査に失敗しました: %w", err)
	}
	return events, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
