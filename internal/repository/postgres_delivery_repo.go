package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/civicmail/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信履歴リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// ListHistory は重複判定用にqueued/deliveredの配信履歴を返す。
// Emailsが空の場合は何も返さない。
func (r *PostgresDeliveryRepo) ListHistory(ctx context.Context, f HistoryFilter) ([]model.DeliveryRecord, error) {
	if len(f.Emails) == 0 {
		return nil, nil
	}

	column, key := "job_id", f.JobID
	if f.DatasetID != "" {
		column, key = "dataset_id", f.DatasetID
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, COALESCE(dataset_id::text, ''), batch_id, email, status
		 FROM delivery_history
		 WHERE `+column+` = $1 AND status IN ('queued', 'delivered') AND email = ANY($2)`,
		key, pq.Array(f.Emails),
	)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []model.DeliveryRecord
	for rows.Next() {
		var rec model.DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.DatasetID, &rec.BatchID, &rec.Email, &rec.Status); err != nil {
			return nil, fmt.Errorf("配信履歴行の読み取りに失敗しました: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信履歴の走査に失敗しました: %w", err)
	}
	return records, nil
}

// InsertQueued はqueued状態の履歴を冪等に挿入し、実際に挿入されたメールアドレスを返す。
func (r *PostgresDeliveryRepo) InsertQueued(ctx context.Context, records []model.DeliveryRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := make([]string, 0, len(records))
	for _, rec := range records {
		var email string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO delivery_history (job_id, dataset_id, batch_id, email, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 'queued', NOW(), NOW())
			 ON CONFLICT (job_id, batch_id, email) DO NOTHING
			 RETURNING email`,
			rec.JobID, nullString(rec.DatasetID), rec.BatchID, rec.Email,
		).Scan(&email)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("配信履歴の挿入に失敗しました（email=%s）: %w", rec.Email, err)
		}
		inserted = append(inserted, email)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

// ApplyResult は配信事業者からの結果を冪等に反映する。
// 既存の(job_id, batch_id, email)行を更新し、存在しなければ挿入する。
func (r *PostgresDeliveryRepo) ApplyResult(ctx context.Context, jobID, batchID string, res model.DeliveryResult) error {
	meta, err := resultMeta(res)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_history SET
			status = $4,
			provider_message_id = COALESCE($5, provider_message_id),
			meta = $6,
			updated_at = NOW()
		 WHERE job_id = $1 AND batch_id = $2 AND email = $3`,
		jobID, batchID, res.Email, string(res.Status), nullString(res.ProviderMessageID), meta,
	)
	if err != nil {
		return fmt.Errorf("配信履歴の更新に失敗しました（email=%s）: %w", res.Email, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO delivery_history (job_id, batch_id, email, status, provider_message_id, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT DO NOTHING`,
		jobID, batchID, res.Email, string(res.Status), nullString(res.ProviderMessageID), meta,
	)
	if err != nil {
		return fmt.Errorf("配信履歴の挿入に失敗しました（email=%s）: %w", res.Email, err)
	}
	return nil
}

// DeleteOlderThan は指定日時より古い配信履歴を削除する。
func (r *PostgresDeliveryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_history WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("古い配信履歴の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// resultMeta は保存するmetaを決定する。エラーがあればエラー内容を優先する。
func resultMeta(res model.DeliveryResult) (any, error) {
	if res.Error != "" {
		b, err := json.Marshal(map[string]string{"error": res.Error})
		if err != nil {
			return nil, fmt.Errorf("metaのエンコードに失敗しました: %w", err)
		}
		return string(b), nil
	}
	if len(res.Meta) == 0 || string(res.Meta) == "null" {
		return nil, nil
	}
	return string(res.Meta), nil
}
