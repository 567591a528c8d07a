package send

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/repository"
)

// --- モック定義 ---

type mockDatasetRepo struct {
	ensured []string
	err     error
}

func (m *mockDatasetRepo) FindByID(ctx context.Context, id string) (*model.Dataset, error) {
	return nil, nil
}
func (m *mockDatasetRepo) FindByName(ctx context.Context, name string) (*model.Dataset, error) {
	return nil, nil
}
func (m *mockDatasetRepo) Create(ctx context.Context, d *model.Dataset) error { return nil }
func (m *mockDatasetRepo) Ensure(ctx context.Context, id, name string) error {
	m.ensured = append(m.ensured, id)
	return m.err
}

type mockJobRepo struct {
	mu               sync.Mutex
	jobs             map[string]*model.SendJob
	claimPendingFunc func(ctx context.Context, limit int) ([]*model.SendJob, error)
	statuses         map[string]model.JobStatus
	messages         map[string]string
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{
		jobs:     map[string]*model.SendJob{},
		statuses: map[string]model.JobStatus{},
		messages: map[string]string{},
	}
}

func (m *mockJobRepo) FindByID(ctx context.Context, id string) (*model.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id], nil
}
func (m *mockJobRepo) Ensure(ctx context.Context, id, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		m.jobs[id] = &model.SendJob{ID: id, DatasetID: datasetID, Status: model.JobStatusPending}
	}
	return nil
}
func (m *mockJobRepo) ClaimPending(ctx context.Context, limit int) ([]*model.SendJob, error) {
	if m.claimPendingFunc != nil {
		return m.claimPendingFunc(ctx, limit)
	}
	return nil, nil
}
func (m *mockJobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	m.messages[id] = errMsg
	return nil
}

type mockSubscriberRepo struct {
	active    []*model.Subscriber
	lastLimit int
}

func (m *mockSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) UpsertByEmail(ctx context.Context, s *model.Subscriber) (string, error) {
	return "", nil
}
func (m *mockSubscriberRepo) ListActive(ctx context.Context, listKey string, limit int) ([]*model.Subscriber, error) {
	m.lastLimit = limit
	if len(m.active) > limit {
		return m.active[:limit], nil
	}
	return m.active, nil
}

// mockDeliveryRepo は(job_id, batch_id, email)をキーに履歴を保持する。
type mockDeliveryRepo struct {
	history   []model.DeliveryRecord
	filters   []repository.HistoryFilter
	insertErr error
	applyErr  error
	applied   []model.DeliveryResult
	rows      map[string]model.DeliveryStatus
}

func newMockDeliveryRepo() *mockDeliveryRepo {
	return &mockDeliveryRepo{rows: map[string]model.DeliveryStatus{}}
}

func (m *mockDeliveryRepo) ListHistory(ctx context.Context, f repository.HistoryFilter) ([]model.DeliveryRecord, error) {
	m.filters = append(m.filters, f)
	return m.history, nil
}
func (m *mockDeliveryRepo) InsertQueued(ctx context.Context, records []model.DeliveryRecord) ([]string, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	var inserted []string
	for _, r := range records {
		key := r.JobID + "|" + r.BatchID + "|" + r.Email
		if _, ok := m.rows[key]; ok {
			continue
		}
		m.rows[key] = model.DeliveryQueued
		m.history = append(m.history, r)
		inserted = append(inserted, r.Email)
	}
	return inserted, nil
}
func (m *mockDeliveryRepo) ApplyResult(ctx context.Context, jobID, batchID string, r model.DeliveryResult) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, r)
	m.rows[jobID+"|"+batchID+"|"+r.Email] = r.Status
	for i, h := range m.history {
		if h.JobID == jobID && h.BatchID == batchID && h.Email == r.Email {
			m.history[i].Status = r.Status
		}
	}
	return nil
}
func (m *mockDeliveryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type mockDelegationRepo struct {
	links []model.DelegationLink
	err   error
}

func (m *mockDelegationRepo) Ensure(ctx context.Context, link model.DelegationLink) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.links = append(m.links, link)
	return link.URL, nil
}
func (m *mockDelegationRepo) LatestURL(ctx context.Context, email, jobID string) (string, error) {
	return "", nil
}

type mockDispatcher struct {
	batches    []Batch
	requestIDs []string
	err        error
}

func (m *mockDispatcher) Name() string { return "mock" }
func (m *mockDispatcher) Dispatch(ctx context.Context, requestID string, b Batch) error {
	m.batches = append(m.batches, b)
	m.requestIDs = append(m.requestIDs, requestID)
	return m.err
}

type mockMetrics struct {
	dispatches []bool
	callbacks  []string
}

func (m *mockMetrics) RecordSelection(tier string) {}
func (m *mockMetrics) RecordImportRows(accepted, rejected int) {}
func (m *mockMetrics) RecordPromoted(count int) {}
func (m *mockMetrics) RecordDispatch(transport string, ok bool, recipients int) {
	m.dispatches = append(m.dispatches, ok)
}
func (m *mockMetrics) RecordDispatchLatency(d time.Duration) {}
func (m *mockMetrics) RecordCallback(status string) { m.callbacks = append(m.callbacks, status) }
func (m *mockMetrics) RecordSignup(districtsFound int) {}
func (m *mockMetrics) RecordHTTPStatus(statusCode int) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
