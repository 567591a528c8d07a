package targeting

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// defaultPriority は優先度未指定の候補に割り当てる番兵値（最も低い優先度）。
const defaultPriority = 9999

// Candidate はデータセット内で購読者向けに競合する1件のコンテンツ。
// 永続化層から読み取ったスナップショットであり、このパッケージでは変更しない。
type Candidate struct {
	ID           string
	Subject      string
	BodyHTML     string // 空文字列は未設定
	BodyMarkdown string // 空文字列は未設定

	// Scope はショートハンドまたは正規形の地理スコープ。空文字列はグローバル。
	Scope string
	// AudienceRule は保存されたルールの生表現（JSONまたは旧形式テキスト）。空文字列は指定なし。
	AudienceRule string
	// Priority は小さいほど優先される。nilは最低優先度として扱う。
	Priority  *int
	CreatedAt time.Time
}

// HasAudienceRule はオーディエンスルールが指定されている場合にtrueを返す。
// 解釈可能かどうかは問わない。
func (c Candidate) HasAudienceRule() bool {
	s := strings.TrimSpace(c.AudienceRule)
	return s != "" && s != "null" && s != `""`
}

// HasScope は地理スコープが指定されている場合にtrueを返す。
func (c Candidate) HasScope() bool {
	return strings.TrimSpace(c.Scope) != ""
}

// Specificity は候補の具体性スコアを返す。値が大きいほど具体的。
//
//	4: オーディエンスルールあり
//	3: placeレベルのスコープ
//	2: countyレベルのスコープ（名前またはFIPS）
//	1: stateレベルのスコープ
//	0: グローバル
func Specificity(c Candidate) int {
	if c.HasAudienceRule() {
		return 4
	}
	s := strings.ToLower(c.Scope)
	switch {
	case strings.Contains(s, "/place:") || strings.HasPrefix(s, "place:"):
		return 3
	case strings.Contains(s, "/county:") || strings.Contains(s, "county_fips:") || strings.HasPrefix(s, "county:"):
		return 2
	case strings.Contains(s, "/state:") || strings.HasPrefix(s, "state:"):
		return 1
	default:
		return 0
	}
}

// EffectivePriority は比較に使用する優先度を返す。
func EffectivePriority(c Candidate) int {
	if c.Priority == nil {
		return defaultPriority
	}
	return *c.Priority
}

// PickBest は具体性（降順）、優先度（昇順）、作成日時（降順）の順で
// 候補を並べ、先頭の1件を返す。すべてが等しい場合は入力順を維持する。
// 空の入力にはok=falseを返す。入力スライスは変更しない。
func PickBest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, compareCandidates)
	return sorted[0], true
}

// compareCandidates は並び順の比較関数。負の値はaが先であることを表す。
func compareCandidates(a, b Candidate) int {
	if d := cmp.Compare(Specificity(b), Specificity(a)); d != 0 {
		return d
	}
	if d := cmp.Compare(EffectivePriority(a), EffectivePriority(b)); d != 0 {
		return d
	}
	return b.CreatedAt.Compare(a.CreatedAt)
}
