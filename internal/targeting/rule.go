// Package targeting はコンテンツのパーソナライズ（ターゲティング）を行う判定エンジンを提供する。
//
// 購読者の地理コンテキストと区画パスに対して、データセット内の候補コンテンツから
// 最も適合する1件を決定的に選択する。優先順位は
// オーディエンスルール > 地理スコープ > グローバル の3段階。
//
// このパッケージは純粋関数のみで構成され、I/Oも共有状態も持たない。
// 不正なルールやスコープはエラーにせず「一致しない」として扱う。
package targeting

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hitoshi/civicmail/internal/geo"
)

// Field はルール条件が参照する地理フィールド。
type Field int

const (
	// FieldState は州コード。
	FieldState Field = iota + 1
	// FieldCounty はcounty FIPSコード。
	FieldCounty
	// FieldPlace は "place,state" 形式の地名。
	FieldPlace
)

// String はフィールド名を返す。
func (f Field) String() string {
	switch f {
	case FieldState:
		return "state"
	case FieldCounty:
		return "county"
	case FieldPlace:
		return "place"
	default:
		return "unknown"
	}
}

// parseField はフィールド名を解釈する。county_fipsはcountyの別名として受け付ける。
func parseField(s string) (Field, bool) {
	switch geo.Norm(s) {
	case "state":
		return FieldState, true
	case "county", "county_fips":
		return FieldCounty, true
	case "place":
		return FieldPlace, true
	default:
		return 0, false
	}
}

// Operator はルール条件の比較演算子。
type Operator int

const (
	// OpEquals は正規化後の完全一致。
	OpEquals Operator = iota + 1
	// OpMemberOf は正規化後の値集合への所属。
	OpMemberOf
)

// String は演算子名を返す。
func (o Operator) String() string {
	switch o {
	case OpEquals:
		return "equals"
	case OpMemberOf:
		return "memberOf"
	default:
		return "unknown"
	}
}

func parseOperator(s string) (Operator, bool) {
	switch strings.TrimSpace(s) {
	case "equals", "eq", "==":
		return OpEquals, true
	case "memberOf", "in":
		return OpMemberOf, true
	default:
		return 0, false
	}
}

// Clause は1つのルール条件 {field, operator, value} を表す。
// OpEqualsの場合はValues[0]のみを比較に使用する。
type Clause struct {
	Field    Field
	Operator Operator
	Values   []string
}

// AudienceRule は購読者の地理コンテキストに対する述語。
// Any（OR）とAll（AND）はnilの場合「指定なし」を意味する。
// 空のスライス（非nil）は「指定あり・条件ゼロ件」であり区別される。
type AudienceRule struct {
	Any []Clause
	All []Clause
}

// IsEmpty はAnyもAllも指定されていない場合にtrueを返す。
// 空ルールはどの購読者にも一致しない。
func (r AudienceRule) IsEmpty() bool {
	return r.Any == nil && r.All == nil
}

// Evaluate はルールを地理コンテキストに対してメモリ上で評価する。
// AnyもAllも指定されていないルールは常にfalseを返す。
func Evaluate(rule AudienceRule, ctx geo.GeographyContext) bool {
	if rule.IsEmpty() {
		return false
	}

	anyOK := rule.Any == nil
	for _, c := range rule.Any {
		if c.matches(ctx) {
			anyOK = true
			break
		}
	}

	allOK := true
	if rule.All != nil {
		for _, c := range rule.All {
			if !c.matches(ctx) {
				allOK = false
				break
			}
		}
	}

	return anyOK && allOK
}

// matches は条件がコンテキストに一致するかを判定する。
// コンテキストに値がないフィールドは空文字列として比較する。
func (c Clause) matches(ctx geo.GeographyContext) bool {
	var v string
	switch c.Field {
	case FieldState:
		v = ctx.State
	case FieldCounty:
		v = ctx.CountyFIPS
	case FieldPlace:
		v = ctx.Place
	default:
		return false
	}
	v = geo.Norm(v)

	switch c.Operator {
	case OpEquals:
		if len(c.Values) == 0 {
			return false
		}
		return v == geo.Norm(c.Values[0])
	case OpMemberOf:
		for _, want := range c.Values {
			if v == geo.Norm(want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// rawRule はJSON表現のオーディエンスルール。
type rawRule struct {
	Any json.RawMessage `json:"any"`
	All json.RawMessage `json:"all"`
}

// rawClause はJSON表現のルール条件。
// field/operator と level/op の両方の表記を受け付ける。
type rawClause struct {
	Field    string          `json:"field"`
	Level    string          `json:"level"`
	Operator string          `json:"operator"`
	Op       string          `json:"op"`
	Value    json.RawMessage `json:"value"`
	Values   []string        `json:"values"`
}

// ParseRule は任意の入力からオーディエンスルールを構築する。
// 文字列、[]byte、json.RawMessage、map、AudienceRuleを受け付ける。
// 解釈できない入力には空ルールを返す。
func ParseRule(raw any) AudienceRule {
	switch v := raw.(type) {
	case nil:
		return AudienceRule{}
	case AudienceRule:
		return v
	case *AudienceRule:
		if v == nil {
			return AudienceRule{}
		}
		return *v
	case string:
		return ParseRuleString(v)
	case []byte:
		return ParseRuleJSON(v)
	case json.RawMessage:
		return ParseRuleJSON(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return AudienceRule{}
		}
		return ParseRuleJSON(b)
	}
}

// ParseRuleString は文字列表現のルールを解釈する。
// JSONオブジェクト、JSON文字列リテラル、旧形式のテキスト文法
// （例: "state == 'OH' or county_fips in ['39049']"）のいずれかを受け付ける。
func ParseRuleString(s string) AudienceRule {
	s = strings.TrimSpace(s)
	if s == "" {
		return AudienceRule{}
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, `"`) {
		return ParseRuleJSON([]byte(s))
	}
	rule, err := ParseLegacyRule(s)
	if err != nil {
		return AudienceRule{}
	}
	return rule
}

// ParseRuleJSON はJSONバイト列からルールを解釈する。
// 値がJSON文字列の場合は中身を文字列表現として再解釈する。
func ParseRuleJSON(b []byte) AudienceRule {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return AudienceRule{}
	}

	if b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return AudienceRule{}
		}
		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, `"`) {
			// 二重にエンコードされた文字列は受け付けない
			return AudienceRule{}
		}
		return ParseRuleString(inner)
	}

	if b[0] != '{' {
		return AudienceRule{}
	}

	var rr rawRule
	if err := json.Unmarshal(b, &rr); err != nil {
		return AudienceRule{}
	}

	var rule AudienceRule
	var ok bool
	if rule.Any, ok = parseClauseList(rr.Any); !ok {
		return AudienceRule{}
	}
	if rule.All, ok = parseClauseList(rr.All); !ok {
		return AudienceRule{}
	}
	return rule
}

// parseClauseList は条件配列を解釈する。
// フィールドが存在しない場合はnilとok=trueを返す。
// 1件でも不正な条件があればok=falseを返す。
func parseClauseList(raw json.RawMessage) ([]Clause, bool) {
	if raw == nil {
		return nil, true
	}

	var items []rawClause
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}

	clauses := make([]Clause, 0, len(items))
	for _, item := range items {
		c, ok := item.toClause()
		if !ok {
			return nil, false
		}
		clauses = append(clauses, c)
	}
	return clauses, true
}

// toClause は検証済みのClauseに変換する。
func (rc rawClause) toClause() (Clause, bool) {
	fieldName := rc.Field
	if fieldName == "" {
		fieldName = rc.Level
	}
	field, ok := parseField(fieldName)
	if !ok {
		return Clause{}, false
	}

	opName := rc.Operator
	if opName == "" {
		opName = rc.Op
	}
	op, ok := parseOperator(opName)
	if !ok {
		return Clause{}, false
	}

	values, ok := decodeValues(rc.Value)
	if !ok {
		if rc.Values == nil {
			return Clause{}, false
		}
		values = rc.Values
	}

	if op == OpEquals && len(values) != 1 {
		// 配列を等値比較する場合はカンマ連結した文字列と比較する
		values = []string{strings.Join(values, ",")}
	}

	return Clause{Field: field, Operator: op, Values: values}, true
}

// decodeValues はvalueフィールド（文字列または文字列配列）を解釈する。
func decodeValues(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, true
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && list != nil {
		return list, true
	}
	return nil, false
}
