package targeting

import "github.com/hitoshi/civicmail/internal/geo"

// Tier はコンテンツが選択されたターゲティング段階を表す。
type Tier int

const (
	// TierNone はどの段階にも一致する候補がなかったことを表す。
	TierNone Tier = iota
	// TierAudience はオーディエンスルールに一致した候補。
	TierAudience
	// TierScope は地理スコープに一致した候補。
	TierScope
	// TierGlobal はターゲティング指定のない候補。
	TierGlobal
)

// String は段階名を返す。メトリクスのラベルとログに使用する。
func (t Tier) String() string {
	switch t {
	case TierAudience:
		return "audience"
	case TierScope:
		return "scope"
	case TierGlobal:
		return "global"
	default:
		return "none"
	}
}

// Request は1件の購読者に対するターゲティング要求。
type Request struct {
	Geo        geo.GeographyContext
	Paths      []geo.DivisionPath
	Candidates []Candidate
}

// Result はターゲティングの結果。
// 一致する候補がない場合はCandidateがnil、TierがTierNoneとなる。
type Result struct {
	Candidate *Candidate
	Tier      Tier
}

// Found は候補が選択された場合にtrueを返す。
func (r Result) Found() bool {
	return r.Candidate != nil
}

// Select は候補を3段階に振り分け、空でない最上位の段階から最良の1件を選択する。
//
//  1. 解釈可能なオーディエンスルールを持ち、購読者のコンテキストで真と評価される候補
//  2. 解釈可能なルールを持たず、スコープが購読者の区画パスを包含する候補
//  3. スコープもオーディエンスルールも持たない候補
//
// 解釈可能なルールを持つ候補は第1段階にのみ参加する。
// 解釈できないルールはスコープへフォールバックし、スコープもなければ除外する。
// 不正な行は「一致しない」として扱われ、他の候補の選択を妨げない。
func Select(req Request) Result {
	var audience, scoped, global []Candidate

	for _, c := range req.Candidates {
		if c.HasAudienceRule() {
			if rule := ParseRuleString(c.AudienceRule); !rule.IsEmpty() {
				if Evaluate(rule, req.Geo) {
					audience = append(audience, c)
				}
				continue
			}
			if c.HasScope() && MatchesScope(c.Scope, req.Paths) {
				scoped = append(scoped, c)
			}
			continue
		}

		switch {
		case c.HasScope():
			if MatchesScope(c.Scope, req.Paths) {
				scoped = append(scoped, c)
			}
		default:
			global = append(global, c)
		}
	}

	for _, tier := range []struct {
		tier  Tier
		cands []Candidate
	}{
		{TierAudience, audience},
		{TierScope, scoped},
		{TierGlobal, global},
	} {
		if best, ok := PickBest(tier.cands); ok {
			return Result{Candidate: &best, Tier: tier.tier}
		}
	}
	return Result{Tier: TierNone}
}
