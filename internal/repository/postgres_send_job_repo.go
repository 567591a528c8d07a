package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/civicmail/internal/model"
)

// PostgresSendJobRepo はPostgreSQLを使用した送信ジョブリポジトリ。
type PostgresSendJobRepo struct {
	db *sql.DB
}

var _ SendJobRepository = (*PostgresSendJobRepo)(nil)

// NewPostgresSendJobRepo はPostgresSendJobRepoを生成する。
func NewPostgresSendJobRepo(db *sql.DB) *PostgresSendJobRepo {
	return &PostgresSendJobRepo{db: db}
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresSendJobRepo) FindByID(ctx context.Context, id string) (*model.SendJob, error) {
	job := &model.SendJob{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, status, error_message, created_at, updated_at
		 FROM send_jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.DatasetID, &job.Status, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("送信ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// Ensure はジョブが存在しなければpendingとして作成する。
func (r *PostgresSendJobRepo) Ensure(ctx context.Context, id, datasetID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO send_jobs (id, dataset_id, status, created_at, updated_at)
		 VALUES ($1, $2, 'pending', NOW(), NOW())
		 ON CONFLICT (id) DO NOTHING`,
		id, datasetID,
	)
	if err != nil {
		return fmt.Errorf("送信ジョブの確保に失敗しました: %w", err)
	}
	return nil
}

// ClaimPending はpendingのジョブを最大limit件、FOR UPDATE SKIP LOCKEDで
// 排他的に取得してrunningに更新する。
func (r *PostgresSendJobRepo) ClaimPending(ctx context.Context, limit int) ([]*model.SendJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE send_jobs SET status = 'running', updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM send_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, dataset_id, status, error_message, created_at, updated_at`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("送信ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.SendJob
	for rows.Next() {
		job := &model.SendJob{}
		if err := rows.Scan(&job.ID, &job.DatasetID, &job.Status, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("送信ジョブ行の読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信ジョブの走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// UpdateStatus はジョブの状態とエラーメッセージを更新する。
func (r *PostgresSendJobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE send_jobs SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), errMsg,
	)
	if err != nil {
		return fmt.Errorf("送信ジョブの状態更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("送信ジョブが見つかりません: %s", id)
	}
	return nil
}
