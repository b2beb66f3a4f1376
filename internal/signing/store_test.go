package signing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/payflow/internal/model"
	"github.com/hitoshi/payflow/internal/repository"
)

// --- テスト用のインメモリストア ---
//
// RunInTx/Viewはストア全体のミューテックスで直列化し、fnがエラーを返した場合は
// 開始時点のスナップショットに戻す。PostgreSQLの行ロック＋ロールバックの振る舞いを模している。

type memStore struct {
	mu     sync.Mutex
	docs   map[string]*model.Document
	sigs   map[string]*model.Signature
	order  []string // 署名依頼の作成順
	events []*model.OutboxEvent

	// faults は "操作名" または "操作名:ID" をキーとする注入エラー。先頭から1件ずつ消費する。
	faults map[string][]error

	// expireCalls はExpireSignaturesに渡されたID列の記録
	expireCalls [][]string
}

func newMemStore() *memStore {
	return &memStore{
		docs:   make(map[string]*model.Document),
		sigs:   make(map[string]*model.Signature),
		faults: make(map[string][]error),
	}
}

type memSnapshot struct {
	docs   map[string]model.Document
	sigs   map[string]model.Signature
	order  []string
	events []model.OutboxEvent
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		docs:  make(map[string]model.Document, len(m.docs)),
		sigs:  make(map[string]model.Signature, len(m.sigs)),
		order: append([]string(nil), m.order...),
	}
	for id, d := range m.docs {
		s.docs[id] = *d
	}
	for id, sg := range m.sigs {
		s.sigs[id] = *sg
	}
	for _, e := range m.events {
		s.events = append(s.events, *e)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.docs = make(map[string]*model.Document, len(s.docs))
	for id, d := range s.docs {
		d := d
		m.docs[id] = &d
	}
	m.sigs = make(map[string]*model.Signature, len(s.sigs))
	for id, sg := range s.sigs {
		sg := sg
		m.sigs[id] = &sg
	}
	m.order = s.order
	m.events = nil
	for _, e := range s.events {
		e := e
		m.events = append(m.events, &e)
	}
}

// inject は操作opに注入するエラーを追加する。idが空の場合は全IDが対象。
func (m *memStore) inject(op, id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op
	if id != "" {
		key = op + ":" + id
	}
	m.faults[key] = append(m.faults[key], errs...)
}

func (m *memStore) fault(op, id string) error {
	for _, key := range []string{op + ":" + id, op} {
		if errs := m.faults[key]; len(errs) > 0 {
			m.faults[key] = errs[1:]
			return errs[0]
		}
	}
	return nil
}

func (m *memStore) RunInTx(ctx context.Context, fn repository.TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, nil); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) View(ctx context.Context, fn repository.TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, nil)
}

// --- 参照用ヘルパー（テストケースから呼ぶ。ロックを取る） ---

func (m *memStore) doc(id string) model.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.docs[id]
}

func (m *memStore) sig(id string) model.Signature {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sigs[id]
}

func (m *memStore) sigsOf(docID string) []model.Signature {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Signature
	for _, id := range m.order {
		if s := m.sigs[id]; s != nil && s.DocumentID == docID {
			out = append(out, *s)
		}
	}
	return out
}

func (m *memStore) eventsOf(docID string, typ model.EventType) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.DocumentID == docID && (typ == "" || e.Type == typ) {
			out = append(out, e.Event)
		}
	}
	return out
}

func (m *memStore) put(doc *model.Document, sigs ...*model.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *doc
	m.docs[doc.ID] = &d
	for _, s := range sigs {
		c := *s
		m.sigs[s.ID] = &c
		m.order = append(m.order, s.ID)
	}
}

// --- DocumentRepository ---

type memDocumentRepo struct{ st *memStore }

func (r memDocumentRepo) Create(_ context.Context, _ repository.Querier, doc *model.Document) error {
	if err := r.st.fault("Document.Create", doc.ID); err != nil {
		return err
	}
	d := *doc
	r.st.docs[doc.ID] = &d
	return nil
}

func (r memDocumentRepo) FindByID(_ context.Context, _ repository.Querier, id string) (*model.Document, error) {
	if err := r.st.fault("Document.FindByID", id); err != nil {
		return nil, err
	}
	d, ok := r.st.docs[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (r memDocumentRepo) FindByIDForUpdate(ctx context.Context, q repository.Querier, id string) (*model.Document, error) {
	if err := r.st.fault("Document.FindByIDForUpdate", id); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, q, id)
}

func (r memDocumentRepo) ListBySender(_ context.Context, _ repository.Querier, senderID string, filter model.DocumentFilter) ([]*model.Document, error) {
	var out []*model.Document
	for _, d := range r.st.docs {
		if d.SenderID != senderID {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if !filter.Cursor.IsZero() && !d.CreatedAt.Before(filter.Cursor) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r memDocumentRepo) UpdateMetadata(_ context.Context, _ repository.Querier, doc *model.Document) error {
	d, ok := r.st.docs[doc.ID]
	if !ok || d.Status.IsTerminal() {
		return model.NewStaleStateError("document", doc.ID)
	}
	d.Title, d.Description, d.ExpiresAt, d.UpdatedAt = doc.Title, doc.Description, doc.ExpiresAt, doc.UpdatedAt
	return nil
}

func (r memDocumentRepo) Delete(_ context.Context, _ repository.Querier, id string) error {
	delete(r.st.docs, id)
	for sid, s := range r.st.sigs {
		if s.DocumentID == id {
			delete(r.st.sigs, sid)
		}
	}
	return nil
}

func (r memDocumentRepo) SetStatus(_ context.Context, _ repository.Querier, id string, from, to model.DocumentStatus, at time.Time) error {
	if err := r.st.fault("Document.SetStatus", id); err != nil {
		return err
	}
	d, ok := r.st.docs[id]
	if !ok || d.Status != from {
		return model.NewStaleStateError("document", id)
	}
	d.Status = to
	d.UpdatedAt = at
	switch to {
	case model.DocumentStatusCancelled:
		d.CancelledAt = &at
	case model.DocumentStatusCompleted:
		d.CompletedAt = &at
	}
	return nil
}

func (r memDocumentRepo) ListExpired(_ context.Context, _ repository.Querier, now time.Time, after *model.ExpiryKey, limit int) ([]model.ExpiryKey, error) {
	var due []model.ExpiryKey
	for _, d := range r.st.docs {
		if d.Status == model.DocumentStatusSent && d.IsExpiredAt(now) {
			due = append(due, model.ExpiryKey{ExpiresAt: *d.ExpiresAt, ID: d.ID})
		}
	}
	less := func(a, b model.ExpiryKey) bool {
		if a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ID < b.ID
		}
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	sort.Slice(due, func(i, j int) bool { return less(due[i], due[j]) })

	var keys []model.ExpiryKey
	for _, k := range due {
		if after != nil && !less(*after, k) {
			continue
		}
		if len(keys) == limit {
			break
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// --- SignatureRepository ---

type memSignatureRepo struct{ st *memStore }

func (r memSignatureRepo) CreateBatch(_ context.Context, _ repository.Querier, documentID string, sigs []*model.Signature) error {
	if err := r.st.fault("Signature.CreateBatch", documentID); err != nil {
		return err
	}
	for _, s := range sigs {
		c := *s
		r.st.sigs[s.ID] = &c
		r.st.order = append(r.st.order, s.ID)
	}
	return nil
}

func (r memSignatureRepo) FindByID(_ context.Context, _ repository.Querier, id string) (*model.Signature, error) {
	s, ok := r.st.sigs[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (r memSignatureRepo) ListByDocument(_ context.Context, _ repository.Querier, documentID string) ([]*model.Signature, error) {
	var out []*model.Signature
	for _, id := range r.st.order {
		if s := r.st.sigs[id]; s != nil && s.DocumentID == documentID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memSignatureRepo) FindByRecipient(_ context.Context, _ repository.Querier, documentID, email string) (*model.Signature, error) {
	for _, s := range r.st.sigs {
		if s.DocumentID == documentID && s.RecipientEmail == email {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (r memSignatureRepo) Transition(_ context.Context, _ repository.Querier, id string, from, to model.SignatureStatus, fields model.SignatureFields) (*model.Signature, bool, error) {
	if err := r.st.fault("Signature.Transition", id); err != nil {
		return nil, false, err
	}
	s, ok := r.st.sigs[id]
	if !ok || s.Status != from {
		return nil, false, model.NewStaleStateError("signature", id)
	}
	s.Status = to
	if fields.Payload != nil {
		s.Payload = fields.Payload
	}
	if fields.SignedAt != nil {
		s.SignedAt = fields.SignedAt
	}
	if fields.DeclinedAt != nil {
		s.DeclinedAt = fields.DeclinedAt
	}
	if fields.DeclineReason != "" {
		s.DeclineReason = fields.DeclineReason
	}
	if fields.IPAddress != "" {
		s.IPAddress = fields.IPAddress
	}
	if fields.Geo != "" {
		s.Geo = fields.Geo
	}
	s.UpdatedAt = fields.UpdatedAt

	completed := false
	if to == model.SignatureStatusSigned {
		d := r.st.docs[s.DocumentID]
		allSigned := true
		for _, other := range r.st.sigs {
			if other.DocumentID == s.DocumentID && other.Status != model.SignatureStatusSigned {
				allSigned = false
				break
			}
		}
		if d != nil && d.Status == model.DocumentStatusSent && allSigned {
			d.Status = model.DocumentStatusCompleted
			d.CompletedAt = &fields.UpdatedAt
			d.UpdatedAt = fields.UpdatedAt
			completed = true
		}
	}
	c := *s
	return &c, completed, nil
}

func (r memSignatureRepo) ExpireSignatures(_ context.Context, _ repository.Querier, documentID string, ids []string, at time.Time) (int, error) {
	if err := r.st.fault("Signature.ExpireSignatures", documentID); err != nil {
		return 0, err
	}
	r.st.expireCalls = append(r.st.expireCalls, append([]string(nil), ids...))
	for _, id := range ids {
		s, ok := r.st.sigs[id]
		if !ok || s.DocumentID != documentID || s.Status != model.SignatureStatusPending {
			return 0, model.NewStaleStateError("document", documentID)
		}
	}
	for _, id := range ids {
		s := r.st.sigs[id]
		s.Status = model.SignatureStatusExpired
		s.UpdatedAt = at
	}
	return len(ids), nil
}

func (r memSignatureRepo) MarkReminded(_ context.Context, _ repository.Querier, id string, at time.Time) error {
	s, ok := r.st.sigs[id]
	if !ok || s.Status != model.SignatureStatusPending {
		return model.NewStaleStateError("signature", id)
	}
	s.LastRemindedAt = &at
	s.UpdatedAt = at
	return nil
}

func (r memSignatureRepo) ListDueForReminder(_ context.Context, _ repository.Querier, now, cutoff time.Time, limit int) ([]*model.Signature, error) {
	var out []*model.Signature
	for _, id := range r.st.order {
		s := r.st.sigs[id]
		if s == nil || s.Status != model.SignatureStatusPending {
			continue
		}
		d := r.st.docs[s.DocumentID]
		if d == nil || d.Status != model.DocumentStatusSent || d.IsExpiredAt(now) {
			continue
		}
		last := s.CreatedAt
		if s.LastRemindedAt != nil {
			last = *s.LastRemindedAt
		}
		if last.After(cutoff) {
			continue
		}
		c := *s
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- EventRepository ---

type memEventRepo struct{ st *memStore }

func (r memEventRepo) Append(_ context.Context, _ repository.Querier, events []model.Event) error {
	if err := r.st.fault("Event.Append", ""); err != nil {
		return err
	}
	for _, e := range events {
		r.st.events = append(r.st.events, &model.OutboxEvent{Event: e, NextAttemptAt: e.OccurredAt})
	}
	return nil
}

func (r memEventRepo) ClaimDue(context.Context, repository.Querier, time.Time, time.Time, int) ([]*model.OutboxEvent, error) {
	return nil, nil
}

func (r memEventRepo) MarkDelivered(context.Context, repository.Querier, string, time.Time) error {
	return nil
}

func (r memEventRepo) Reschedule(context.Context, repository.Querier, string, int, time.Time, string) error {
	return nil
}

func (r memEventRepo) MarkFailed(context.Context, repository.Querier, string, int, time.Time, string) error {
	return nil
}

func (r memEventRepo) ListByDocument(_ context.Context, _ repository.Querier, documentID string) ([]*model.OutboxEvent, error) {
	var out []*model.OutboxEvent
	for _, e := range r.st.events {
		if e.DocumentID == documentID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memEventRepo) PurgeDelivered(context.Context, repository.Querier, time.Time) (int64, error) {
	return 0, nil
}

// --- 時計・メトリクス ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	retries     map[string]int
	sweeps      [][3]int
	reminders   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{transitions: map[string]int{}, retries: map[string]int{}}
}

func (m *recordingMetrics) RecordTransition(entity, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[entity+":"+status]++
}

func (m *recordingMetrics) RecordSweep(d, s, f int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, [3]int{d, s, f})
}

func (m *recordingMetrics) RecordRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[op]++
}

func (m *recordingMetrics) RecordReminders(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders += n
}

// --- テストフィクスチャ ---

type fixture struct {
	svc     *Service
	store   *memStore
	clock   *fakeClock
	metrics *recordingMetrics
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	clock := &fakeClock{now: baseTime}
	metrics := newRecordingMetrics()

	var (
		idMu sync.Mutex
		seq  int
	)
	newID := func() string {
		idMu.Lock()
		defer idMu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}

	svc := NewService(Deps{
		Tx:             st,
		Documents:      memDocumentRepo{st: st},
		Signatures:     memSignatureRepo{st: st},
		Events:         memEventRepo{st: st},
		Metrics:        metrics,
		Now:            clock.Now,
		NewID:          newID,
		SweepBatchSize: 2,
	})
	return &fixture{svc: svc, store: st, clock: clock, metrics: metrics}
}

// seedSent は送信済み文書と指定人数分のPENDING署名依頼を作成する。
func (f *fixture) seedSent(docID, senderID string, recipients int, expiresAt *time.Time) *model.Document {
	doc := &model.Document{
		ID:        docID,
		SenderID:  senderID,
		Title:     "業務委託契約書",
		FileRef:   "s3://contracts/" + docID + ".pdf",
		MimeType:  "application/pdf",
		Status:    model.DocumentStatusSent,
		ExpiresAt: expiresAt,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	var sigs []*model.Signature
	for i := 0; i < recipients; i++ {
		sigs = append(sigs, &model.Signature{
			ID:             fmt.Sprintf("%s-sig-%d", docID, i),
			DocumentID:     docID,
			RecipientEmail: fmt.Sprintf("signer%d@example.com", i),
			Status:         model.SignatureStatusPending,
			CreatedAt:      baseTime,
			UpdatedAt:      baseTime,
		})
	}
	f.store.put(doc, sigs...)
	return doc
}

func sigID(docID string, i int) string {
	return fmt.Sprintf("%s-sig-%d", docID, i)
}

func timePtr(t time.Time) *time.Time { return &t }

func assertKind(t *testing.T, err error, want model.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := model.KindOf(err); got != want {
		t.Fatalf("error kind = %q, want %q (err=%v)", got, want, err)
	}
}
