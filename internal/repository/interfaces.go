// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/civicmail/internal/model"
)

// SubscriberRepository は購読者プロファイルの永続化インターフェース。
type SubscriberRepository interface {
	// FindByEmail はメールアドレスで購読者を取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Subscriber, error)

	// UpsertByEmail はメールアドレスをキーに購読者を作成または更新し、IDを返す。
	// 既存行のIDと作成日時は維持する。
	UpsertByEmail(ctx context.Context, s *model.Subscriber) (string, error)

	// ListActive は指定リストを購読中の購読者をメールアドレス昇順で最大limit件返す。
	ListActive(ctx context.Context, listKey string, limit int) ([]*model.Subscriber, error)
}

// SubscriptionRepository は配信リスト購読の永続化インターフェース。
type SubscriptionRepository interface {
	// Find は購読者IDとリストキーで購読を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, subscriberID, listKey string) (*model.Subscription, error)

	// Ensure は購読を冪等に作成し、解除済みであれば再購読する。
	Ensure(ctx context.Context, subscriberID, listKey string) error

	// MarkUnsubscribed は購読を解除済みにする。購読が存在しない場合は何もしない。
	MarkUnsubscribed(ctx context.Context, subscriberID, listKey string, at time.Time) error

	// RecordUnsubscribe は解除操作の監査記録を冪等に保存する。
	RecordUnsubscribe(ctx context.Context, email, listKey, userAgent, ip string) error
}

// DatasetRepository はコンテンツデータセットの永続化インターフェース。
type DatasetRepository interface {
	// FindByID は指定IDのデータセットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Dataset, error)

	// FindByName は名前（大文字小文字を区別しない）でデータセットを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Dataset, error)

	// Create はデータセットを作成する。名前が重複する場合は一意制約違反のエラーを返す。
	Create(ctx context.Context, d *model.Dataset) error

	// Ensure は指定IDのデータセットが存在しなければ作成する。
	Ensure(ctx context.Context, id, name string) error
}

// ContentRepository はコンテンツ（ステージングと公開）の永続化インターフェース。
type ContentRepository interface {
	// UpsertStaging はステージングに(dataset_id, row_uid)をキーとしてUPSERTする。
	UpsertStaging(ctx context.Context, items []*model.ContentItem) error

	// DeleteStagingByDataset はデータセットのステージングを全削除する。
	DeleteStagingByDataset(ctx context.Context, datasetID string) (int64, error)

	// DeleteStagingByRowUIDs は指定row_uidのステージング行を削除する。
	DeleteStagingByRowUIDs(ctx context.Context, datasetID string, rowUIDs []string) (int64, error)

	// Promote はステージングを公開テーブルへ同一トランザクションで置き換え、ステージングを空にする。
	Promote(ctx context.Context, datasetID, promotedBy string) (model.PromoteResult, error)

	// CountStaging はデータセットのステージング件数を返す。
	CountStaging(ctx context.Context, datasetID string) (int, error)

	// CountLive はデータセットの公開件数を返す。
	CountLive(ctx context.Context, datasetID string) (int, error)

	// ListLive はデータセットの公開コンテンツを作成日時降順で返す。
	ListLive(ctx context.Context, datasetID string) ([]*model.ContentItem, error)

	// DeleteStaleStaging は指定日時より古いステージング行を削除する。
	DeleteStaleStaging(ctx context.Context, before time.Time) (int64, error)
}

// SendJobRepository は送信ジョブの永続化インターフェース。
type SendJobRepository interface {
	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SendJob, error)

	// Ensure はジョブが存在しなければpendingとして作成する。
	Ensure(ctx context.Context, id, datasetID string) error

	// ClaimPending はpendingのジョブを最大limit件、FOR UPDATE SKIP LOCKEDで
	// 排他的に取得してrunningに更新する。
	ClaimPending(ctx context.Context, limit int) ([]*model.SendJob, error)

	// UpdateStatus はジョブの状態とエラーメッセージを更新する。
	UpdateStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error
}

// HistoryFilter は配信履歴の検索条件。
// DatasetIDが指定されていればデータセット単位、そうでなければJobID単位で検索する。
type HistoryFilter struct {
	DatasetID string
	JobID     string
	Emails    []string
}

// DeliveryRepository は配信履歴の永続化インターフェース。
type DeliveryRepository interface {
	// ListHistory は重複判定用にqueued/deliveredの配信履歴を返す。
	ListHistory(ctx context.Context, f HistoryFilter) ([]model.DeliveryRecord, error)

	// InsertQueued はqueued状態の履歴を冪等に挿入し、実際に挿入されたメールアドレスを返す。
	InsertQueued(ctx context.Context, records []model.DeliveryRecord) ([]string, error)

	// ApplyResult は配信事業者からの結果を冪等に反映する。
	// (job_id, batch_id, email)の行を更新し、存在しなければ挿入する。
	ApplyResult(ctx context.Context, jobID, batchID string, r model.DeliveryResult) error

	// DeleteOlderThan は指定日時より古い配信履歴を削除する。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DelegationRepository は委任リンクの永続化インターフェース。
type DelegationRepository interface {
	// Ensure はリンクを冪等に保存し、保存済みのURLを返す。
	Ensure(ctx context.Context, link model.DelegationLink) (string, error)

	// LatestURL は指定ジョブの購読者向けリンクを返す。存在しない場合は空文字列を返す。
	LatestURL(ctx context.Context, email, jobID string) (string, error)
}
