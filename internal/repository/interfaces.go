// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
//
// 全ての操作は明示的なQuerier（*sql.DB または実行中の *sql.Tx）を受け取る。
// 複数行にまたがる変更は PostgresStore.RunInTx で開始したトランザクション内で、
// 先に文書行をロックしてから行うこと。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/payflow/internal/model"
)

// Querier は *sql.DB と *sql.Tx に共通するクエリ実行インターフェース。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TxFunc はトランザクション内で実行する処理。
type TxFunc func(ctx context.Context, q Querier) error

// TxRunner はトランザクション境界を提供する。
type TxRunner interface {
	// RunInTx はfnを1つのトランザクション内で実行する。
	// fnがエラーを返した場合はロールバックし、ドライバのエラーはmodelのエラー種別に変換する。
	RunInTx(ctx context.Context, fn TxFunc) error

	// View はトランザクションを開始せずにfnを実行する。読み取り専用の操作に使用する。
	View(ctx context.Context, fn TxFunc) error
}

// DocumentRepository は文書データの永続化インターフェース。
type DocumentRepository interface {
	// Create は下書き文書を作成する。
	Create(ctx context.Context, q Querier, doc *model.Document) error

	// FindByID は指定IDの文書を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, q Querier, id string) (*model.Document, error)

	// FindByIDForUpdate は指定IDの文書を行ロック付き（FOR UPDATE）で取得する。
	// トランザクション内でのみ使用する。見つからない場合はnilを返す。
	FindByIDForUpdate(ctx context.Context, q Querier, id string) (*model.Document, error)

	// ListBySender は送信者の文書一覧をcreated_at降順で返す。
	// filter.Cursorがゼロ値の場合は先頭から取得する。
	ListBySender(ctx context.Context, q Querier, senderID string, filter model.DocumentFilter) ([]*model.Document, error)

	// UpdateMetadata はタイトル・説明・期限を更新する。
	// 終端状態の文書は更新せずStaleStateを返す。
	UpdateMetadata(ctx context.Context, q Querier, doc *model.Document) error

	// Delete は指定IDの文書を削除する。署名依頼はCASCADE削除される。
	Delete(ctx context.Context, q Querier, id string) error

	// SetStatus は現在のステータスがfromの場合のみtoへ更新する。
	// 該当行がない場合はStaleStateを返す。
	SetStatus(ctx context.Context, q Querier, id string, from, to model.DocumentStatus, at time.Time) error

	// ListExpired は期限を過ぎたSENT文書を (expires_at, id) の昇順で最大limit件返す。
	// afterを指定した場合はそれより後ろの文書のみを返す。nilの場合は先頭から。
	ListExpired(ctx context.Context, q Querier, now time.Time, after *model.ExpiryKey, limit int) ([]model.ExpiryKey, error)
}

// SignatureRepository は署名依頼データの永続化インターフェース。
type SignatureRepository interface {
	// CreateBatch はPENDINGの署名依頼をまとめて作成する。
	CreateBatch(ctx context.Context, q Querier, documentID string, sigs []*model.Signature) error

	// FindByID は指定IDの署名依頼を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, q Querier, id string) (*model.Signature, error)

	// ListByDocument は文書の全署名依頼を作成順に返す。
	ListByDocument(ctx context.Context, q Querier, documentID string) ([]*model.Signature, error)

	// FindByRecipient は文書と受信者メールアドレスで署名依頼を検索する。見つからない場合はnilを返す。
	FindByRecipient(ctx context.Context, q Querier, documentID, email string) (*model.Signature, error)

	// Transition は現在のステータスがfromの場合のみtoへ遷移させ、更新後の署名依頼を返す。
	// 該当行がない場合はStaleStateを返す。
	// toがSIGNEDの場合は同じクエリ実行者で文書の完了判定を行い、
	// この呼び出しが文書をCOMPLETEDにした場合はcompleted=trueを返す。
	Transition(ctx context.Context, q Querier, id string, from, to model.SignatureStatus, fields model.SignatureFields) (sig *model.Signature, completed bool, err error)

	// ExpireSignatures は文書に属する指定のPENDING署名依頼をEXPIREDにし、件数を返す。
	// 指定したいずれかがPENDINGでなくなっていた場合はStaleStateを返す。
	ExpireSignatures(ctx context.Context, q Querier, documentID string, ids []string, at time.Time) (int, error)

	// MarkReminded はPENDINGの署名依頼のlast_reminded_atとupdated_atを更新する。
	// PENDINGでない場合はStaleStateを返す。
	MarkReminded(ctx context.Context, q Querier, id string, at time.Time) error

	// ListDueForReminder はリマインド対象の署名依頼を返す。
	// 期限内のSENT文書に属し、作成または前回リマインドからcutoff以前のPENDINGが対象。
	ListDueForReminder(ctx context.Context, q Querier, now, cutoff time.Time, limit int) ([]*model.Signature, error)
}

// EventRepository は通知イベントのアウトボックスの永続化インターフェース。
type EventRepository interface {
	// Append はイベントをアウトボックスに追加する。状態遷移と同じトランザクションで呼び出す。
	Append(ctx context.Context, q Querier, events []model.Event) error

	// ClaimDue は配信予定時刻を過ぎた未配信イベントを最大limit件取得し、
	// 他のワーカーと重複しないようnext_attempt_atをleaseUntilまで先送りする。
	ClaimDue(ctx context.Context, q Querier, now, leaseUntil time.Time, limit int) ([]*model.OutboxEvent, error)

	// MarkDelivered はイベントを配信済みにする。
	MarkDelivered(ctx context.Context, q Querier, id string, at time.Time) error

	// Reschedule は配信失敗を記録し、次回の配信予定時刻を設定する。
	Reschedule(ctx context.Context, q Querier, id string, attempts int, next time.Time, lastErr string) error

	// MarkFailed は再試行上限に達したイベントを配信失敗として確定する。行は調査用に残す。
	MarkFailed(ctx context.Context, q Querier, id string, attempts int, at time.Time, lastErr string) error

	// ListByDocument は文書に関するイベントを発生順に返す。
	ListByDocument(ctx context.Context, q Querier, documentID string) ([]*model.OutboxEvent, error)

	// PurgeDelivered はbefore以前に配信済みになったイベントを削除し、件数を返す。
	PurgeDelivered(ctx context.Context, q Querier, before time.Time) (int64, error)
}

// SessionRepository は認証サービスが発行したセッションの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}
