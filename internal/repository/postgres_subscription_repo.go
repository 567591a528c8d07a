package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/civicmail/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// Find は購読者IDとリストキーで購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) Find(ctx context.Context, subscriberID, listKey string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var unsubscribedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, subscriber_id, list_key, unsubscribed_at, created_at
		 FROM subscriptions WHERE subscriber_id = $1 AND list_key = $2`,
		subscriberID, listKey,
	).Scan(&sub.ID, &sub.SubscriberID, &sub.ListKey, &unsubscribedAt, &sub.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if unsubscribedAt.Valid {
		t := unsubscribedAt.Time
		sub.UnsubscribedAt = &t
	}
	return sub, nil
}

// Ensure は購読を冪等に作成し、解除済みであれば再購読する。
func (r *PostgresSubscriptionRepo) Ensure(ctx context.Context, subscriberID, listKey string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, subscriber_id, list_key, unsubscribed_at, created_at)
		 VALUES ($1, $2, $3, NULL, NOW())
		 ON CONFLICT (subscriber_id, list_key) DO UPDATE SET unsubscribed_at = NULL`,
		uuid.New().String(), subscriberID, listKey,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// MarkUnsubscribed は購読を解除済みにする。既に解除済みの場合は解除日時を維持する。
func (r *PostgresSubscriptionRepo) MarkUnsubscribed(ctx context.Context, subscriberID, listKey string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET unsubscribed_at = COALESCE(unsubscribed_at, $3)
		 WHERE subscriber_id = $1 AND list_key = $2`,
		subscriberID, listKey, at,
	)
	if err != nil {
		return fmt.Errorf("購読解除の更新に失敗しました: %w", err)
	}
	return nil
}

// RecordUnsubscribe は解除操作の監査記録を冪等に保存する。
func (r *PostgresSubscriptionRepo) RecordUnsubscribe(ctx context.Context, email, listKey, userAgent, ip string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO unsubscribes (email, list_key, user_agent, ip, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (email, list_key) DO UPDATE SET
			user_agent = EXCLUDED.user_agent, ip = EXCLUDED.ip, created_at = NOW()`,
		email, listKey, nullString(userAgent), nullString(ip),
	)
	if err != nil {
		return fmt.Errorf("購読解除記録の保存に失敗しました: %w", err)
	}
	return nil
}
