package send

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/civicmail/internal/metrics"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/personalize"
	"github.com/hitoshi/civicmail/internal/repository"
)

// Mode は送信の実行モード。
type Mode string

const (
	// ModeTest は指定されたメールアドレスだけに送る。
	ModeTest Mode = "test"
	// ModeCohort は購読中の購読者に送る。
	ModeCohort Mode = "cohort"
)

// ExecuteRequest は送信実行の要求。
type ExecuteRequest struct {
	JobID     string
	Mode      Mode
	Emails    []string
	DatasetID string
	RequestID string
}

// ExecuteResult は送信実行の結果。
type ExecuteResult struct {
	JobID     string `json:"job_id"`
	DatasetID string `json:"dataset_id"`
	BatchID   string `json:"batch_id"`
	Selected  int    `json:"selected"`
	Queued    int    `json:"queued"`
	Deduped   int    `json:"deduped"`
}

// Service は送信ジョブの実行と配信結果の反映を行う。
type Service struct {
	datasets    repository.DatasetRepository
	jobs        repository.SendJobRepository
	subscribers repository.SubscriberRepository
	deliveries  repository.DeliveryRepository
	delegations repository.DelegationRepository
	dispatcher  Dispatcher
	metrics     metrics.MetricsCollector
	maxPerRun   int
	baseURL     string
	logger      *slog.Logger
	newBatchID  func() string
}

// NewService はServiceを生成する。maxPerRunが0以下の場合は既定値を使う。
func NewService(
	datasets repository.DatasetRepository,
	jobs repository.SendJobRepository,
	subscribers repository.SubscriberRepository,
	deliveries repository.DeliveryRepository,
	delegations repository.DelegationRepository,
	dispatcher Dispatcher,
	mc metrics.MetricsCollector,
	maxPerRun int,
	baseURL string,
	logger *slog.Logger,
) *Service {
	if maxPerRun <= 0 {
		maxPerRun = DefaultMaxPerRun
	}
	return &Service{
		datasets:    datasets,
		jobs:        jobs,
		subscribers: subscribers,
		deliveries:  deliveries,
		delegations: delegations,
		dispatcher:  dispatcher,
		metrics:     mc,
		maxPerRun:   maxPerRun,
		baseURL:     baseURL,
		logger:      logger,
		newBatchID:  func() string { return uuid.New().String() },
	}
}

// Execute は宛先を選んで配信履歴にqueuedとして記録し、バッチを送出する。
// 同じjob_idで再実行しても送信済みの宛先は再送しない。
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	jobID := strings.TrimSpace(req.JobID)
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, model.NewInvalidRequestError("job_id must be a UUID")
	}

	var emails []string
	switch req.Mode {
	case ModeTest:
		for _, e := range req.Emails {
			if e = normalize(e); e != "" {
				emails = append(emails, e)
			}
		}
		if len(emails) == 0 {
			return nil, model.NewInvalidRequestError("test mode requires a non-empty emails array")
		}
	case ModeCohort:
	default:
		return nil, model.NewInvalidRequestError("mode must be test or cohort")
	}

	datasetID := strings.TrimSpace(req.DatasetID)
	datasetForJob := datasetID
	if datasetForJob == "" {
		datasetForJob = model.TestDatasetID
		if err := s.datasets.Ensure(ctx, model.TestDatasetID, model.TestDatasetName); err != nil {
			return nil, fmt.Errorf("テスト用データセットの確保に失敗しました: %w", err)
		}
	}
	if err := s.jobs.Ensure(ctx, jobID, datasetForJob); err != nil {
		return nil, err
	}

	if req.Mode == ModeCohort {
		if datasetID == "" {
			job, err := s.jobs.FindByID(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if job == nil {
				return nil, model.NewJobNotFoundError(jobID)
			}
			datasetID = job.DatasetID
		}
		subs, err := s.subscribers.ListActive(ctx, model.DefaultListKey, s.maxPerRun)
		if err != nil {
			return nil, fmt.Errorf("宛先の取得に失敗しました: %w", err)
		}
		for _, sub := range subs {
			emails = append(emails, sub.Email)
		}
	} else {
		datasetID = datasetForJob
	}

	result := &ExecuteResult{JobID: jobID, DatasetID: datasetID, BatchID: s.newBatchID()}
	if len(emails) == 0 {
		return result, nil
	}

	in := PlanInput{Requested: emails, MaxPerRun: s.maxPerRun, JobID: jobID}
	if req.Mode == ModeCohort {
		// コホートはデータセット単位で重複を判定する
		in.DatasetID = datasetID
		existing, err := s.deliveries.ListHistory(ctx, repository.HistoryFilter{DatasetID: datasetID, Emails: emails})
		if err != nil {
			return nil, err
		}
		in.Existing = existing
	}
	plan := PlanBatch(in)
	result.Selected = plan.Selected

	records := make([]model.DeliveryRecord, 0, len(plan.ToEnqueue))
	for _, email := range plan.ToEnqueue {
		records = append(records, model.DeliveryRecord{
			JobID:     jobID,
			DatasetID: datasetID,
			BatchID:   result.BatchID,
			Email:     email,
			Status:    model.DeliveryQueued,
		})
	}
	inserted, err := s.deliveries.InsertQueued(ctx, records)
	if err != nil {
		return nil, err
	}
	result.Queued = len(inserted)
	result.Deduped = result.Selected - result.Queued

	s.logger.Info("配信履歴を作成しました",
		slog.String("job_id", jobID),
		slog.String("batch_id", result.BatchID),
		slog.String("mode", string(req.Mode)),
		slog.Int("selected", result.Selected),
		slog.Int("queued", result.Queued),
		slog.Int("deduped", result.Deduped),
	)

	if len(inserted) == 0 {
		return result, nil
	}

	s.ensureDelegationLinks(ctx, jobID, result.BatchID, inserted)

	if err := s.dispatch(ctx, req.RequestID, Batch{
		JobID:     jobID,
		DatasetID: datasetID,
		BatchID:   result.BatchID,
		Count:     len(inserted),
		Emails:    inserted,
	}); err != nil {
		s.markUndispatched(ctx, jobID, result.BatchID, inserted, err)
		return nil, err
	}
	return result, nil
}

// markUndispatched は送出できなかったバッチの履歴をfailedにする。
// queuedのまま残すと以降のコホート送信で送信済みとみなされ、再送されなくなる。
func (s *Service) markUndispatched(ctx context.Context, jobID, batchID string, emails []string, cause error) {
	// 送出がタイムアウトやキャンセルで失敗しても履歴は更新する
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for _, email := range emails {
		err := s.deliveries.ApplyResult(ctx, jobID, batchID, model.DeliveryResult{
			Email:  email,
			Status: model.DeliveryFailed,
			Error:  "dispatch failed: " + cause.Error(),
		})
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Error("送出失敗の記録に失敗しました。該当の宛先は再送されません",
			slog.String("job_id", jobID),
			slog.String("batch_id", batchID),
			slog.Int("failed", failed),
			slog.Int("total", len(emails)),
		)
	}
}

// ensureDelegationLinks は宛先ごとの委任リンクを作成する。失敗しても送信は継続する。
func (s *Service) ensureDelegationLinks(ctx context.Context, jobID, batchID string, emails []string) {
	if s.delegations == nil {
		return
	}
	failed := 0
	for _, email := range emails {
		_, err := s.delegations.Ensure(ctx, model.DelegationLink{
			Email:   email,
			JobID:   jobID,
			BatchID: batchID,
			URL:     personalize.DelegationURL(s.baseURL, jobID, batchID, email),
		})
		if err != nil {
			failed++
			s.logger.Warn("委任リンクの作成に失敗しました",
				slog.String("job_id", jobID),
				slog.String("email", email),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 {
		s.logger.Error("一部の委任リンクを作成できませんでした",
			slog.String("job_id", jobID),
			slog.Int("failed", failed),
			slog.Int("total", len(emails)),
		)
	}
}

func (s *Service) dispatch(ctx context.Context, requestID string, b Batch) error {
	if s.dispatcher == nil {
		return model.NewDispatchFailedError("dispatcher is not configured")
	}

	start := time.Now()
	err := s.dispatcher.Dispatch(ctx, requestID, b)
	if s.metrics != nil {
		s.metrics.RecordDispatchLatency(time.Since(start))
		s.metrics.RecordDispatch(s.dispatcher.Name(), err == nil, b.Count)
	}
	if err != nil {
		return err
	}

	s.logger.Info("バッチを送出しました",
		slog.String("job_id", b.JobID),
		slog.String("batch_id", b.BatchID),
		slog.String("transport", s.dispatcher.Name()),
		slog.Int("count", b.Count),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
