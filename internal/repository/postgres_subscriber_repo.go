package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/civicmail/internal/model"
)

// subscriberColumns はsubscribersテーブルのSELECT対象カラム。
const subscriberColumns = `s.id, s.email, s.name, s.address, s.zipcode, s.ocd_ids,
	s.state, s.county_fips, s.place, s.ocd_last_verified_at, s.created_at, s.updated_at`

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*model.Subscriber, error) {
	s := &model.Subscriber{}
	var state, county, place sql.NullString
	var verifiedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.Email, &s.Name, &s.Address, &s.Zipcode, pq.Array(&s.DivisionPaths),
		&state, &county, &place, &verifiedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State, s.CountyFIPS, s.Place = state.String, county.String, place.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		s.VerifiedAt = &t
	}
	return s, nil
}

// FindByEmail はメールアドレスで購読者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers s WHERE s.email = $1`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	return s, nil
}

// UpsertByEmail はメールアドレスをキーに購読者を作成または更新し、IDを返す。
// 名前が空の場合は既存の名前を維持する。
func (r *PostgresSubscriberRepo) UpsertByEmail(ctx context.Context, s *model.Subscriber) (string, error) {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}

	var verifiedAt sql.NullTime
	if s.VerifiedAt != nil {
		verifiedAt = sql.NullTime{Time: *s.VerifiedAt, Valid: true}
	}

	paths := s.DivisionPaths
	if paths == nil {
		paths = []string{}
	}

	var savedID string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscribers
			(id, email, name, address, zipcode, ocd_ids, state, county_fips, place, ocd_last_verified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		 ON CONFLICT (email) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN subscribers.name ELSE EXCLUDED.name END,
			address = EXCLUDED.address,
			zipcode = EXCLUDED.zipcode,
			ocd_ids = EXCLUDED.ocd_ids,
			state = EXCLUDED.state,
			county_fips = EXCLUDED.county_fips,
			place = EXCLUDED.place,
			ocd_last_verified_at = EXCLUDED.ocd_last_verified_at,
			updated_at = NOW()
		 RETURNING id`,
		id, s.Email, s.Name, s.Address, s.Zipcode, pq.Array(paths),
		nullString(s.State), nullString(s.CountyFIPS), nullString(s.Place), verifiedAt,
	).Scan(&savedID)
	if err != nil {
		return "", fmt.Errorf("購読者のUPSERTに失敗しました: %w", err)
	}
	return savedID, nil
}

// ListActive は指定リストを購読中の購読者をメールアドレス昇順で最大limit件返す。
func (r *PostgresSubscriberRepo) ListActive(ctx context.Context, listKey string, limit int) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+`
		 FROM subscribers s
		 JOIN subscriptions sub ON sub.subscriber_id = s.id
		 WHERE sub.list_key = $1 AND sub.unsubscribed_at IS NULL
		 ORDER BY s.email ASC
		 LIMIT $2`,
		listKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
