package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/civicmail/internal/model"
)

// PostgresDelegationRepo はPostgreSQLを使用した委任リンクリポジトリ。
type PostgresDelegationRepo struct {
	db *sql.DB
}

var _ DelegationRepository = (*PostgresDelegationRepo)(nil)

// NewPostgresDelegationRepo はPostgresDelegationRepoを生成する。
func NewPostgresDelegationRepo(db *sql.DB) *PostgresDelegationRepo {
	return &PostgresDelegationRepo{db: db}
}

// Ensure はリンクを冪等に保存し、保存済みのURLを返す。
// 既に(email, job_id)のリンクがあれば既存のURLを返す。
func (r *PostgresDelegationRepo) Ensure(ctx context.Context, link model.DelegationLink) (string, error) {
	var url string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO delegation_links (email, job_id, batch_id, url, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (email, job_id) DO UPDATE SET email = EXCLUDED.email
		 RETURNING url`,
		link.Email, link.JobID, link.BatchID, link.URL,
	).Scan(&url)
	if err != nil {
		return "", fmt.Errorf("委任リンクの保存に失敗しました: %w", err)
	}
	return url, nil
}

// LatestURL は指定ジョブの購読者向けリンクを返す。存在しない場合は空文字列を返す。
func (r *PostgresDelegationRepo) LatestURL(ctx context.Context, email, jobID string) (string, error) {
	var url string
	err := r.db.QueryRowContext(ctx,
		`SELECT url FROM delegation_links
		 WHERE email = $1 AND job_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		email, jobID,
	).Scan(&url)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("委任リンクの取得に失敗しました: %w", err)
	}
	return url, nil
}
