package targeting

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	legacyOrSplit  = regexp.MustCompile(`(?i)\s+or\s+`)
	legacyEquals   = regexp.MustCompile(`(?i)^(state|county_fips|place)\s*==\s*'([^']+)'$`)
	legacyMember   = regexp.MustCompile(`(?i)^(state|county_fips|place)\s*in\s*\[\s*([^\]]*)\s*\]$`)
	legacyListItem = regexp.MustCompile(`^'([^']+)'$`)
)

// ParseLegacyRule は旧形式のテキスト文法のルールを解釈する。
//
// 文法:
//   - フィールド: state, county_fips, place
//   - 演算子: == （等値）、in [...] （所属）
//   - 結合子: or （条件間は暗黙のOR）
//
// 例: "place == 'columbus,oh' or state == 'MI'"
//
// 結果はすべての条件をAnyに持つAudienceRuleとなる。
func ParseLegacyRule(src string) (AudienceRule, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return AudienceRule{}, fmt.Errorf("audience rule must be a non-empty string")
	}

	var parts []string
	for _, p := range legacyOrSplit.Split(src, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return AudienceRule{}, fmt.Errorf("no valid clauses found in audience rule")
	}

	clauses := make([]Clause, 0, len(parts))
	for _, p := range parts {
		if m := legacyEquals.FindStringSubmatch(p); m != nil {
			field, _ := parseField(m[1])
			clauses = append(clauses, Clause{Field: field, Operator: OpEquals, Values: []string{m[2]}})
			continue
		}

		if m := legacyMember.FindStringSubmatch(p); m != nil {
			field, _ := parseField(m[1])
			var values []string
			for _, item := range strings.Split(m[2], ",") {
				item = strings.TrimSpace(item)
				if item == "" {
					continue
				}
				mm := legacyListItem.FindStringSubmatch(item)
				if mm == nil {
					return AudienceRule{}, fmt.Errorf("invalid list item format: %s", item)
				}
				values = append(values, mm[1])
			}
			if len(values) == 0 {
				return AudienceRule{}, fmt.Errorf("empty array in audience rule")
			}
			clauses = append(clauses, Clause{Field: field, Operator: OpMemberOf, Values: values})
			continue
		}

		return AudienceRule{}, fmt.Errorf("unsupported rule syntax: %s", p)
	}

	return AudienceRule{Any: clauses}, nil
}

// ValidateRule はルール文字列が空ルール以外に解釈できるかを検証する。
// コンテンツ取り込み時の事前チェックに使用する。
func ValidateRule(src string) bool {
	return !ParseRuleString(src).IsEmpty()
}
