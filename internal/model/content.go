package model

import "time"

// TestDatasetID はテスト送信で使用する番兵データセットのID。
const TestDatasetID = "00000000-0000-0000-0000-000000000001"

// TestDatasetName は番兵データセットの名前。
const TestDatasetName = "__test__"

// Dataset はコンテンツのまとまり（1回の配信キャンペーン単位）を表す。
type Dataset struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ReplaceMode は取り込み時のステージング置換方式。
type ReplaceMode string

const (
	// ReplaceNone は既存行を残したままUPSERTする。
	ReplaceNone ReplaceMode = "none"
	// ReplaceSurgical は取り込む行と同じrow_uidの既存行のみ削除する。
	ReplaceSurgical ReplaceMode = "surgical"
	// ReplaceNuclear はデータセットのステージングを全削除する（先頭チャンクのみ）。
	ReplaceNuclear ReplaceMode = "nuclear"
)

// Valid は既知の置換方式の場合にtrueを返す。
func (m ReplaceMode) Valid() bool {
	switch m {
	case ReplaceNone, ReplaceSurgical, ReplaceNuclear:
		return true
	}
	return false
}

// ContentItem はデータセット内の1件のコンテンツを表す。
// ステージングと公開の両テーブルで同じ形を持つ。
type ContentItem struct {
	ID           string
	DatasetID    string
	RowUID       string
	Subject      string
	BodyHTML     string
	BodyMarkdown string

	// Scope は "geo_level:geo_code" 形式または正規形の区画パス。空文字列はグローバル。
	Scope string
	// AudienceRule はJSONまたは旧形式テキストのルール。空文字列は指定なし。
	AudienceRule string
	Priority     *int

	Topic       string
	GeoLevel    string
	GeoCode     string
	StartDate   string
	EndDate     string
	SourceURL   string
	ContentHash string

	PromotedBy string
	CreatedAt  time.Time
}

// PromoteResult はステージングから公開テーブルへの昇格結果。
type PromoteResult struct {
	Promoted int
	Cleared  int
}
