package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/payflow/internal/model"
	"github.com/lib/pq"
)

const signatureColumns = `id, document_id, recipient_email, recipient_name, status, payload,
	signed_at, declined_at, decline_reason, ip_address, geo, last_reminded_at, created_at, updated_at`

// signatureInsertColumns はCreateBatchで1行あたりに渡すパラメータ数。
const signatureInsertColumns = 7

// PostgresSignatureRepo はPostgreSQLを使用した署名依頼リポジトリ。
type PostgresSignatureRepo struct{}

// NewPostgresSignatureRepo はPostgresSignatureRepoを生成する。
func NewPostgresSignatureRepo() *PostgresSignatureRepo {
	return &PostgresSignatureRepo{}
}

// CreateBatch はPENDINGの署名依頼を1つのINSERT文でまとめて作成する。
func (r *PostgresSignatureRepo) CreateBatch(ctx context.Context, q Querier, documentID string, sigs []*model.Signature) error {
	if len(sigs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO signatures (id, document_id, recipient_email, recipient_name, status, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(sigs)*signatureInsertColumns)
	for i, s := range sigs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * signatureInsertColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args,
			s.ID, documentID, s.RecipientEmail, nullString(s.RecipientName),
			string(model.SignatureStatusPending), s.CreatedAt, s.UpdatedAt,
		)
	}

	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("署名依頼の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの署名依頼を取得する。見つからない場合はnilを返す。
func (r *PostgresSignatureRepo) FindByID(ctx context.Context, q Querier, id string) (*model.Signature, error) {
	sig, err := scanSignature(q.QueryRowContext(ctx,
		`SELECT `+signatureColumns+` FROM signatures WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("署名依頼の取得に失敗しました: %w", err)
	}
	return sig, nil
}

// ListByDocument は文書の全署名依頼を作成順に返す。
func (r *PostgresSignatureRepo) ListByDocument(ctx context.Context, q Querier, documentID string) ([]*model.Signature, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+signatureColumns+` FROM signatures
		 WHERE document_id = $1
		 ORDER BY created_at ASC, recipient_email ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("署名依頼一覧の取得に失敗しました: %w", err)
	}
	return collectSignatures(rows)
}

// FindByRecipient は文書と受信者メールアドレスで署名依頼を検索する。
func (r *PostgresSignatureRepo) FindByRecipient(ctx context.Context, q Querier, documentID, email string) (*model.Signature, error) {
	sig, err := scanSignature(q.QueryRowContext(ctx,
		`SELECT `+signatureColumns+` FROM signatures WHERE document_id = $1 AND recipient_email = $2`,
		documentID, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("受信者による署名依頼の検索に失敗しました: %w", err)
	}
	return sig, nil
}

// Transition は署名依頼の条件付き遷移を行う。
//
// toがSIGNEDの場合、続けて単一のUPDATE文で文書の完了判定を行う。
// 呼び出し元は事前に文書行を FOR UPDATE でロックしておくこと。
// これにより兄弟の署名依頼への書き込みが直列化され、最後の署名を行った呼び出しだけが
// completed=true を受け取る。DECLINEDを含む文書は完了しない。
func (r *PostgresSignatureRepo) Transition(
	ctx context.Context,
	q Querier,
	id string,
	from, to model.SignatureStatus,
	fields model.SignatureFields,
) (*model.Signature, bool, error) {
	sig, err := scanSignature(q.QueryRowContext(ctx,
		`UPDATE signatures
		 SET status = $3,
		     payload = COALESCE($4, payload),
		     signed_at = COALESCE($5, signed_at),
		     declined_at = COALESCE($6, declined_at),
		     decline_reason = COALESCE($7, decline_reason),
		     ip_address = COALESCE($8, ip_address),
		     geo = COALESCE($9, geo),
		     updated_at = $10
		 WHERE id = $1 AND status = $2
		 RETURNING `+signatureColumns,
		id, string(from), string(to),
		nullBytes(fields.Payload), nullTime(fields.SignedAt), nullTime(fields.DeclinedAt),
		nullString(fields.DeclineReason), nullString(fields.IPAddress), nullString(fields.Geo),
		fields.UpdatedAt,
	))
	if err == sql.ErrNoRows {
		return nil, false, model.NewStaleStateError("署名依頼", id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("署名依頼の状態遷移に失敗しました: %w", err)
	}

	if to != model.SignatureStatusSigned {
		return sig, false, nil
	}

	res, err := q.ExecContext(ctx,
		`UPDATE documents
		 SET status = 'COMPLETED', completed_at = $2, updated_at = $2
		 WHERE id = $1
		   AND status = 'SENT'
		   AND NOT EXISTS (
		       SELECT 1 FROM signatures
		       WHERE document_id = $1 AND status <> 'SIGNED'
		   )`,
		sig.DocumentID, fields.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("文書の完了判定に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("完了判定の更新件数の取得に失敗しました: %w", err)
	}

	return sig, n == 1, nil
}

// ExpireSignatures は指定したPENDINGの署名依頼をEXPIREDにする。
// 文書の行ロック下で呼ばれるため、更新件数がidsと一致しない場合は競合として扱う。
func (r *PostgresSignatureRepo) ExpireSignatures(ctx context.Context, q Querier, documentID string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := q.ExecContext(ctx,
		`UPDATE signatures SET status = 'EXPIRED', updated_at = $3
		 WHERE document_id = $1 AND id = ANY($2::uuid[]) AND status = 'PENDING'`,
		documentID, pq.Array(ids), at,
	)
	if err != nil {
		return 0, fmt.Errorf("署名依頼の期限切れ処理に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("期限切れ件数の取得に失敗しました: %w", err)
	}
	if int(n) != len(ids) {
		return 0, model.NewStaleStateError("document", documentID)
	}
	return int(n), nil
}

// MarkReminded はPENDINGの署名依頼のリマインド日時を記録する。
func (r *PostgresSignatureRepo) MarkReminded(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE signatures SET last_reminded_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("リマインド日時の更新に失敗しました: %w", err)
	}
	return requireOneRow(res, "署名依頼", id)
}

// ListDueForReminder はリマインド対象の署名依頼を古い順に返す。
func (r *PostgresSignatureRepo) ListDueForReminder(ctx context.Context, q Querier, now, cutoff time.Time, limit int) ([]*model.Signature, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT s.id, s.document_id, s.recipient_email, s.recipient_name, s.status, s.payload,
		        s.signed_at, s.declined_at, s.decline_reason, s.ip_address, s.geo,
		        s.last_reminded_at, s.created_at, s.updated_at
		 FROM signatures s
		 JOIN documents d ON d.id = s.document_id
		 WHERE s.status = 'PENDING'
		   AND d.status = 'SENT'
		   AND (d.expires_at IS NULL OR d.expires_at > $1)
		   AND COALESCE(s.last_reminded_at, s.created_at) <= $2
		 ORDER BY COALESCE(s.last_reminded_at, s.created_at) ASC
		 LIMIT $3`,
		now, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リマインド対象の取得に失敗しました: %w", err)
	}
	return collectSignatures(rows)
}

func collectSignatures(rows *sql.Rows) ([]*model.Signature, error) {
	defer rows.Close()

	var sigs []*model.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("署名依頼のスキャンに失敗しました: %w", err)
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("署名依頼の走査に失敗しました: %w", err)
	}
	return sigs, nil
}

func scanSignature(row rowScanner) (*model.Signature, error) {
	sig := &model.Signature{}
	var name, reason, ip, geo sql.NullString
	var signedAt, declinedAt, remindedAt sql.NullTime
	err := row.Scan(
		&sig.ID, &sig.DocumentID, &sig.RecipientEmail, &name, &sig.Status, &sig.Payload,
		&signedAt, &declinedAt, &reason, &ip, &geo, &remindedAt, &sig.CreatedAt, &sig.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sig.RecipientName = nullStringValue(name)
	sig.DeclineReason = nullStringValue(reason)
	sig.IPAddress = nullStringValue(ip)
	sig.Geo = nullStringValue(geo)
	sig.SignedAt = nullTimeValue(signedAt)
	sig.DeclinedAt = nullTimeValue(declinedAt)
	sig.LastRemindedAt = nullTimeValue(remindedAt)
	return sig, nil
}

// nullBytes は空のバイト列をNULLとして渡す。
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// compile-time interface check
var _ SignatureRepository = (*PostgresSignatureRepo)(nil)
