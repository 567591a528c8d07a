package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/civicmail/internal/model"
)

// PostgresDatasetRepo はPostgreSQLを使用したデータセットリポジトリ。
type PostgresDatasetRepo struct {
	db *sql.DB
}

var _ DatasetRepository = (*PostgresDatasetRepo)(nil)

// NewPostgresDatasetRepo はPostgresDatasetRepoを生成する。
func NewPostgresDatasetRepo(db *sql.DB) *PostgresDatasetRepo {
	return &PostgresDatasetRepo{db: db}
}

// FindByID は指定IDのデータセットを取得する。見つからない場合はnilを返す。
func (r *PostgresDatasetRepo) FindByID(ctx context.Context, id string) (*model.Dataset, error) {
	d := &model.Dataset{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM content_datasets WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("データセットの取得に失敗しました: %w", err)
	}
	return d, nil
}

// FindByName は名前（大文字小文字を区別しない）でデータセットを取得する。見つからない場合はnilを返す。
func (r *PostgresDatasetRepo) FindByName(ctx context.Context, name string) (*model.Dataset, error) {
	d := &model.Dataset{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM content_datasets WHERE LOWER(name) = LOWER($1)`,
		name,
	).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("名前によるデータセットの検索に失敗しました: %w", err)
	}
	return d, nil
}

// Create はデータセットを作成する。IDが空の場合は採番する。
func (r *PostgresDatasetRepo) Create(ctx context.Context, d *model.Dataset) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO content_datasets (id, name, created_at) VALUES ($1, $2, NOW()) RETURNING created_at`,
		d.ID, d.Name,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("データセットの作成に失敗しました: %w", err)
	}
	return nil
}

// Ensure は指定IDのデータセットが存在しなければ作成する。
func (r *PostgresDatasetRepo) Ensure(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content_datasets (id, name, created_at) VALUES ($1, $2, NOW())
		 ON CONFLICT DO NOTHING`,
		id, name,
	)
	if err != nil {
		return fmt.Errorf("データセットの確保に失敗しました: %w", err)
	}
	return nil
}
