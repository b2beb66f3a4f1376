package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/payflow/internal/repository"
)

// mockPurger はEventPurgerのモック。呼び出し時の引数を記録する。
type mockPurger struct {
	called  bool
	before  time.Time
	deleted int64
	err     error
}

func (m *mockPurger) PurgeDelivered(_ context.Context, _ repository.Querier, before time.Time) (int64, error) {
	m.called = true
	m.before = before
	return m.deleted, m.err
}

type mockRecorder struct {
	purged int64
}

func (m *mockRecorder) RecordEventsPurged(count int64) { m.purged += count }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 4, 30, 3, 0, 0, 0, time.UTC)

func newTestJob(purger *mockPurger, rec *mockRecorder, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(nil, purger, rec, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

// logContains はJSONログのいずれかの行に key=want が含まれるかを返す。
func logContains(buf *bytes.Buffer, key string, want any) bool {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok && v == want {
			return true
		}
	}
	return false
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(nil, &mockPurger{}, nil, newTestLogger(&buf))

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_PurgesBeforeRetention(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{deleted: 5}
	job := newTestJob(purger, &mockRecorder{}, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !purger.called {
		t.Fatal("PurgeDelivered が呼び出されなかった")
	}

	want := fixedNow.AddDate(0, 0, -30)
	if !purger.before.Equal(want) {
		t.Errorf("before = %v, want %v", purger.before, want)
	}
}

func TestCleanupJob_Run_CustomRetention(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := newTestJob(purger, &mockRecorder{}, &buf)
	job.RetentionDays = 7

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, -7); !purger.before.Equal(want) {
		t.Errorf("before = %v, want %v", purger.before, want)
	}
	if !logContains(&buf, "retention_days", float64(7)) {
		t.Errorf("ログに retention_days=7 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_LogsAndRecordsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{}
	job := newTestJob(&mockPurger{deleted: 42}, rec, &buf)

	_ = job.Run(context.Background())

	if !logContains(&buf, "deleted_count", float64(42)) {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
	if rec.purged != 42 {
		t.Errorf("metrics purged = %d, want 42", rec.purged)
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPurger{err: sql.ErrConnDone}, &mockRecorder{}, &buf)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPurger{}, &mockRecorder{}, &buf)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}
