package targeting

import "github.com/hitoshi/civicmail/internal/geo"

// MatchesScope はスコープが購読者の区画パスのいずれかを包含する
// （祖先または等しい）場合にtrueを返す。
// 正規化できないスコープはどの購読者にも一致しない。
func MatchesScope(scope string, paths []geo.DivisionPath) bool {
	targets := geo.NormalizeScope(scope)
	if len(targets) == 0 {
		return false
	}

	for _, t := range targets {
		for _, p := range paths {
			if t.IsAncestorOrEqual(p) {
				return true
			}
		}
	}
	return false
}
