package model

import (
	"encoding/json"
	"time"
)

// JobStatus は送信ジョブの状態を表す。
type JobStatus string

const (
	// JobStatusPending は未処理のジョブ。
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning はワーカーが処理中のジョブ。
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted は送出済みのジョブ。
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed は送出に失敗したジョブ。
	JobStatusFailed JobStatus = "failed"
)

// SendJob は1つのデータセットを購読者へ送る単位を表す。
type SendJob struct {
	ID           string
	DatasetID    string
	Status       JobStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeliveryStatus は配信履歴の状態を表す。
type DeliveryStatus string

const (
	// DeliveryQueued は送出済みで結果待ち。
	DeliveryQueued DeliveryStatus = "queued"
	// DeliveryDelivered は配信成功。
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryFailed は配信失敗。
	DeliveryFailed DeliveryStatus = "failed"
)

// Valid は既知の状態の場合にtrueを返す。
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryQueued, DeliveryDelivered, DeliveryFailed:
		return true
	}
	return false
}

// BlocksResend は重複送信の判定対象となる状態の場合にtrueを返す。
func (s DeliveryStatus) BlocksResend() bool {
	return s == DeliveryQueued || s == DeliveryDelivered
}

// DeliveryRecord は1通分の配信履歴を表す。
type DeliveryRecord struct {
	ID                int64
	JobID             string
	DatasetID         string
	BatchID           string
	Email             string
	Status            DeliveryStatus
	ProviderMessageID string
	Meta              json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeliveryResult はメール配信事業者から通知された1通分の結果。
type DeliveryResult struct {
	Email             string
	Status            DeliveryStatus
	ProviderMessageID string
	Error             string
	Meta              json.RawMessage
}

// DelegationLink は購読者が行動を委任するためのリンクを表す。
// (email, job_id) ごとに1件のみ存在する。
type DelegationLink struct {
	Email     string
	JobID     string
	BatchID   string
	URL       string
	CreatedAt time.Time
}
