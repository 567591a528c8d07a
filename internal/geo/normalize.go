// Package geo はOCD区画パス（division path）の正規化と地理コンテキストの抽出を提供する。
package geo

import (
	"regexp"
	"strings"
)

// ocdPrefix は正規形の区画パスの接頭辞。
const ocdPrefix = "ocd-division/"

// usRoot は米国の区画パスのルート。
const usRoot = "ocd-division/country:us"

// DivisionPath はスラッシュ区切りの階層的な区画識別子を表す。
// 例: "ocd-division/country:us/state:oh/place:columbus"
type DivisionPath string

// IsAncestorOrEqual はpがotherの祖先、またはotherと等しい場合にtrueを返す。
func (p DivisionPath) IsAncestorOrEqual(other DivisionPath) bool {
	if p == "" {
		return false
	}
	return other == p || strings.HasPrefix(string(other), string(p)+"/")
}

// GeographyContext は購読者の所在地をフラットに表したもの。
// 空文字列のフィールドは「不明」を意味し、どのルール条件にも一致しない。
type GeographyContext struct {
	State      string // 2文字の州コード（大文字）
	CountyFIPS string // 5桁のcounty FIPSコード
	Place      string // "place,state" 形式（小文字）
}

// IsEmpty はすべてのフィールドが空の場合にtrueを返す。
func (g GeographyContext) IsEmpty() bool {
	return g.State == "" && g.CountyFIPS == "" && g.Place == ""
}

var fipsPattern = regexp.MustCompile(`^\d{5}$`)

// NormalizeScope はショートハンドまたは正規形のスコープを区画パスのリストに変換する。
//
// 対応形式:
//   - "ocd-division/..." はそのまま返す
//   - "state:oh"
//   - "place:columbus,oh"
//   - "county:39049"（FIPS）または "county:franklin,oh"（名前）
//
// 不正な入力には空のリストを返す（エラーにはしない）。
func NormalizeScope(scope string) []DivisionPath {
	if strings.HasPrefix(scope, ocdPrefix) {
		return []DivisionPath{DivisionPath(scope)}
	}

	level, raw, ok := strings.Cut(scope, ":")
	if !ok || level == "" || raw == "" {
		return nil
	}

	switch Norm(level) {
	case "state":
		st := Norm(raw)
		if st == "" {
			return nil
		}
		return []DivisionPath{DivisionPath(usRoot + "/state:" + st)}
	case "place":
		name, st, ok := splitPair(raw)
		if !ok {
			return nil
		}
		return []DivisionPath{DivisionPath(usRoot + "/state:" + st + "/place:" + name)}
	case "county":
		r := strings.TrimSpace(raw)
		if fipsPattern.MatchString(r) {
			return []DivisionPath{DivisionPath(usRoot + "/state_fips:" + r[:2] + "/county_fips:" + r)}
		}
		name, st, ok := splitPair(r)
		if !ok {
			return nil
		}
		return []DivisionPath{DivisionPath(usRoot + "/state:" + st + "/county:" + name)}
	}
	return nil
}

// splitPair は "name,st" を正規化した2要素に分割する。
// カンマがない、またはどちらかが空の場合はok=falseを返す。
func splitPair(raw string) (name, st string, ok bool) {
	parts := strings.Split(raw, ",")
	if len(parts) < 2 {
		return "", "", false
	}
	name, st = Norm(parts[0]), Norm(parts[1])
	if name == "" || st == "" {
		return "", "", false
	}
	return name, st, true
}

var (
	statePattern      = regexp.MustCompile(`/state:([a-z]{2})(/|$)`)
	countyFIPSPattern = regexp.MustCompile(`/county_fips:(\d{5})(/|$)`)
	placePattern      = regexp.MustCompile(`/place:([a-z0-9_\-]+)(/|$)`)
)

// ExtractGeoContext は区画パスのリストから州・county FIPS・placeを抽出する。
// 複数のパスが異なる値を持つ場合は後勝ち（last-write-wins）となる。
// placeは州が判明している場合のみ "place,state" 形式で設定する。
func ExtractGeoContext(paths []DivisionPath) GeographyContext {
	var state, countyFIPS, place string

	for _, p := range paths {
		s := strings.ToLower(string(p))

		if m := statePattern.FindStringSubmatch(s); m != nil {
			state = m[1]
		}
		if m := countyFIPSPattern.FindStringSubmatch(s); m != nil {
			countyFIPS = m[1]
		}
		if m := placePattern.FindStringSubmatch(s); m != nil {
			place = m[1]
		}
	}

	ctx := GeographyContext{
		State:      strings.ToUpper(state),
		CountyFIPS: countyFIPS,
	}
	if place != "" && state != "" {
		ctx.Place = place + "," + state
	}
	return ctx
}

// ToPaths は文字列のスライスをDivisionPathのスライスに変換する。
func ToPaths(ids []string) []DivisionPath {
	paths := make([]DivisionPath, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			paths = append(paths, DivisionPath(id))
		}
	}
	return paths
}

// Norm は大文字小文字を区別しない比較のために文字列を正規化する。
func Norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
