package send

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/repository"
)

// Executor は送信ジョブを実行するインターフェース。
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// Runner はpendingの送信ジョブを定期的に取得し、コホート送信として実行する。
// semaphoreで最大並列数を、rate.Limiterでジョブ開始の間隔を制御する。
type Runner struct {
	jobs           repository.SendJobRepository
	executor       Executor
	logger         *slog.Logger
	maxConcurrency int
	limiter        *rate.Limiter
}

// NewRunner はRunnerを生成する。
// maxConcurrencyが0以下の場合は4、perSecondが0以下の場合は無制限とする。
func NewRunner(
	jobs repository.SendJobRepository,
	executor Executor,
	logger *slog.Logger,
	maxConcurrency int,
	perSecond float64,
) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Runner{
		jobs:           jobs,
		executor:       executor,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		limiter:        rate.NewLimiter(limit, 1),
	}
}

// Start は指定間隔のティッカーでRunnerを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("送信ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", r.maxConcurrency),
	)

	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("送信サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("送信ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("送信サイクルの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce はpendingのジョブを取得し、並列で実行して状態を更新する。
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()

	jobs, err := r.jobs.ClaimPending(ctx, r.maxConcurrency)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		r.logger.Debug("実行対象の送信ジョブはありません")
		return nil
	}

	r.logger.Info("送信サイクルを開始します", slog.Int("job_count", len(jobs)))

	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		if err := r.limiter.Wait(ctx); err != nil {
			// キャンセル時は未実行のジョブをpendingに戻す
			r.release(job)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(j *model.SendJob) {
			defer wg.Done()
			defer func() { <-sem }()
			r.run(ctx, j)
		}(job)
	}

	wg.Wait()

	r.logger.Info("送信サイクルが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (r *Runner) run(ctx context.Context, job *model.SendJob) {
	res, err := r.executor.Execute(ctx, ExecuteRequest{
		JobID:     job.ID,
		Mode:      ModeCohort,
		DatasetID: job.DatasetID,
		RequestID: "worker-" + job.ID,
	})

	status, msg := model.JobStatusCompleted, ""
	if err != nil {
		status, msg = model.JobStatusFailed, err.Error()
		r.logger.Error("送信ジョブの実行に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		r.logger.Info("送信ジョブを実行しました",
			slog.String("job_id", job.ID),
			slog.String("batch_id", res.BatchID),
			slog.Int("queued", res.Queued),
		)
	}

	// 実行側のキャンセルに影響されないよう独立したコンテキストで更新する
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.jobs.UpdateStatus(updateCtx, job.ID, status, msg); err != nil {
		r.logger.Error("送信ジョブの状態更新に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) release(job *model.SendJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.jobs.UpdateStatus(ctx, job.ID, model.JobStatusPending, ""); err != nil {
		r.logger.Error("送信ジョブをpendingに戻せませんでした",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
