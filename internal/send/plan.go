// Package send は送信ジョブの計画・実行・配信結果の反映を提供する。
package send

import (
	"strings"

	"github.com/hitoshi/civicmail/internal/model"
)

// DefaultMaxPerRun は1回の実行で選択する宛先数の既定値。
const DefaultMaxPerRun = 100

// PlanInput はバッチ計画の入力。
type PlanInput struct {
	Requested []string
	MaxPerRun int
	// DatasetIDがあればデータセット単位、なければJobID単位で重複を判定する。
	DatasetID string
	JobID     string
	Existing  []model.DeliveryRecord
}

// PlanResult はバッチ計画の結果。
type PlanResult struct {
	Selected  int
	Deduped   int
	Queued    int
	ToEnqueue []string
}

// PlanBatch は宛先を上限で切り詰め、送信済み（queued/delivered）の宛先と
// 同一リクエスト内の重複を除外する。
func PlanBatch(in PlanInput) PlanResult {
	limit := in.MaxPerRun
	if limit <= 0 {
		limit = DefaultMaxPerRun
	}

	requested := in.Requested
	if len(requested) > limit {
		requested = requested[:limit]
	}

	scope := "job:" + in.JobID
	if in.DatasetID != "" {
		scope = "dataset:" + in.DatasetID
	}

	sent := make(map[string]struct{}, len(in.Existing))
	for _, row := range in.Existing {
		if !row.Status.BlocksResend() {
			continue
		}
		rowScope := "job:" + row.JobID
		if in.DatasetID != "" {
			rowScope = "dataset:" + row.DatasetID
		}
		sent[rowScope+"|"+normalize(row.Email)] = struct{}{}
	}

	toEnqueue := make([]string, 0, len(requested))
	for _, email := range requested {
		key := scope + "|" + normalize(email)
		if _, ok := sent[key]; ok {
			continue
		}
		sent[key] = struct{}{}
		toEnqueue = append(toEnqueue, normalize(email))
	}

	return PlanResult{
		Selected:  len(requested),
		Deduped:   len(requested) - len(toEnqueue),
		Queued:    len(toEnqueue),
		ToEnqueue: toEnqueue,
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
