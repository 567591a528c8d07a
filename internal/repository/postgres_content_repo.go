package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/civicmail/internal/model"
)

// contentColumns はステージングと公開テーブルに共通する書き込み対象カラム。
const contentColumns = `dataset_id, row_uid, subject, body_html, body_md, ocd_scope, audience_rule,
	priority, topic, geo_level, geo_code, start_date, end_date, source_url, content_hash`

// PostgresContentRepo はPostgreSQLを使用したコンテンツリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

var _ ContentRepository = (*PostgresContentRepo)(nil)

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

// UpsertStaging はステージングに(dataset_id, row_uid)をキーとしてUPSERTする。
// 全行を1トランザクションで書き込み、途中で失敗した場合はロールバックする。
func (r *PostgresContentRepo) UpsertStaging(ctx context.Context, items []*model.ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_items_staging (id, `+contentColumns+`, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		 ON CONFLICT (dataset_id, row_uid) DO UPDATE SET
			subject = EXCLUDED.subject,
			body_html = EXCLUDED.body_html,
			body_md = EXCLUDED.body_md,
			ocd_scope = EXCLUDED.ocd_scope,
			audience_rule = EXCLUDED.audience_rule,
			priority = EXCLUDED.priority,
			topic = EXCLUDED.topic,
			geo_level = EXCLUDED.geo_level,
			geo_code = EXCLUDED.geo_code,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			source_url = EXCLUDED.source_url,
			content_hash = EXCLUDED.content_hash`,
	)
	if err != nil {
		return fmt.Errorf("UPSERT文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.DatasetID, it.RowUID, it.Subject,
			nullString(it.BodyHTML), nullString(it.BodyMarkdown),
			nullString(it.Scope), nullString(it.AudienceRule), nullInt(it.Priority),
			nullString(it.Topic), nullString(it.GeoLevel), nullString(it.GeoCode),
			nullString(it.StartDate), nullString(it.EndDate), nullString(it.SourceURL),
			it.ContentHash,
		); err != nil {
			return fmt.Errorf("ステージング行のUPSERTに失敗しました（row_uid=%s）: %w", it.RowUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// DeleteStagingByDataset はデータセットのステージングを全削除する。
func (r *PostgresContentRepo) DeleteStagingByDataset(ctx context.Context, datasetID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM content_items_staging WHERE dataset_id = $1`,
		datasetID,
	)
	if err != nil {
		return 0, fmt.Errorf("ステージングの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteStagingByRowUIDs は指定row_uidのステージング行を削除する。
func (r *PostgresContentRepo) DeleteStagingByRowUIDs(ctx context.Context, datasetID string, rowUIDs []string) (int64, error) {
	if len(rowUIDs) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM content_items_staging WHERE dataset_id = $1 AND row_uid = ANY($2)`,
		datasetID, pq.Array(rowUIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("ステージング行の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// Promote はステージングを公開テーブルへ同一トランザクションで置き換え、ステージングを空にする。
func (r *PostgresContentRepo) Promote(ctx context.Context, datasetID, promotedBy string) (model.PromoteResult, error) {
	var res model.PromoteResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM content_items WHERE dataset_id = $1`,
		datasetID,
	); err != nil {
		return res, fmt.Errorf("公開コンテンツの削除に失敗しました: %w", err)
	}

	inserted, err := tx.ExecContext(ctx,
		`INSERT INTO content_items (id, `+contentColumns+`, promoted_by, promoted_at, created_at)
		 SELECT gen_random_uuid(), `+contentColumns+`, $2, NOW(), created_at
		 FROM content_items_staging WHERE dataset_id = $1`,
		datasetID, promotedBy,
	)
	if err != nil {
		return res, fmt.Errorf("公開コンテンツの挿入に失敗しました: %w", err)
	}
	promoted, err := inserted.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}

	cleared, err := tx.ExecContext(ctx,
		`DELETE FROM content_items_staging WHERE dataset_id = $1`,
		datasetID,
	)
	if err != nil {
		return res, fmt.Errorf("ステージングのクリアに失敗しました: %w", err)
	}
	clearedCount, err := cleared.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	res.Promoted = int(promoted)
	res.Cleared = int(clearedCount)
	return res, nil
}

// CountStaging はデータセットのステージング件数を返す。
func (r *PostgresContentRepo) CountStaging(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items_staging WHERE dataset_id = $1`,
		datasetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ステージング件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// CountLive はデータセットの公開件数を返す。
func (r *PostgresContentRepo) CountLive(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items WHERE dataset_id = $1`,
		datasetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("公開件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListLive はデータセットの公開コンテンツを作成日時降順で返す。
func (r *PostgresContentRepo) ListLive(ctx context.Context, datasetID string) ([]*model.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, dataset_id, row_uid, subject, body_html, body_md, ocd_scope, audience_rule, priority,
			topic, geo_level, geo_code, start_date, end_date, source_url, content_hash, promoted_by, created_at
		 FROM content_items WHERE dataset_id = $1
		 ORDER BY created_at DESC`,
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("公開コンテンツの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.ContentItem
	for rows.Next() {
		it := &model.ContentItem{}
		var bodyHTML, bodyMD, scope, rule, topic, geoLevel, geoCode, start, end, sourceURL sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(
			&it.ID, &it.DatasetID, &it.RowUID, &it.Subject, &bodyHTML, &bodyMD, &scope, &rule, &priority,
			&topic, &geoLevel, &geoCode, &start, &end, &sourceURL, &it.ContentHash, &it.PromotedBy, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("コンテンツ行の読み取りに失敗しました: %w", err)
		}
		it.BodyHTML, it.BodyMarkdown = bodyHTML.String, bodyMD.String
		it.Scope, it.AudienceRule = scope.String, rule.String
		it.Topic, it.GeoLevel, it.GeoCode = topic.String, geoLevel.String, geoCode.String
		it.StartDate, it.EndDate, it.SourceURL = start.String, end.String, sourceURL.String
		if priority.Valid {
			p := int(priority.Int64)
			it.Priority = &p
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("公開コンテンツの走査に失敗しました: %w", err)
	}
	return items, nil
}

// DeleteStaleStaging は指定日時より古いステージング行を削除する。
func (r *PostgresContentRepo) DeleteStaleStaging(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM content_items_staging WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("古いステージング行の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// nullInt はnilをNULLとして扱う。
func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
