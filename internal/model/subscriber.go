package model

import "time"

// DefaultListKey は既定の配信リスト。
const DefaultListKey = "general"

// Subscriber は住所情報と選挙区パスを持つ購読者プロファイルを表す。
type Subscriber struct {
	ID            string
	Email         string
	Name          string
	Address       string
	Zipcode       string
	DivisionPaths []string

	// 事前計算済みの地理情報。空文字列は未計算。
	State      string
	CountyFIPS string
	Place      string

	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasPrecomputedGeo は地理情報が事前計算されている場合にtrueを返す。
func (s *Subscriber) HasPrecomputedGeo() bool {
	return s.State != "" || s.CountyFIPS != "" || s.Place != ""
}

// Subscription は購読者と配信リストの関係を表す。
type Subscription struct {
	ID             string
	SubscriberID   string
	ListKey        string
	UnsubscribedAt *time.Time
	CreatedAt      time.Time
}

// Active は購読が有効な場合にtrueを返す。
func (s *Subscription) Active() bool {
	return s.UnsubscribedAt == nil
}
