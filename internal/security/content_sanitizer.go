// Package security はニュースレター本文のサニタイズ、外部通信の保護、
// 購読解除トークンの署名を提供する。
package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var httpsOnly = regexp.MustCompile(`^https://[^/]+`)

// ContentSanitizerService はインポートされた本文HTMLを安全にするインターフェース。
type ContentSanitizerService interface {
	// Sanitize はメール本文として許可されたタグと属性だけを残したHTMLを返す。
	Sanitize(rawHTML string) string
	// StripTags はすべてのタグを除去したテキストを返す。件名などに使う。
	StripTags(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有してよい。
type contentSanitizer struct {
	body  *bluemonday.Policy
	plain *bluemonday.Policy
}

// NewContentSanitizer はメール本文向けのポリシーを構築する。
//   - 許可タグ: p, br, h1-h4, ul, ol, li, blockquote, strong, em, b, i, hr, a, img
//   - aタグ: http/https/mailtoのみ。target="_blank"とrel="noopener noreferrer"を付与
//   - imgのsrc: httpsのみ
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "h1", "h2", "h3", "h4",
		"ul", "ol", "li", "blockquote",
		"strong", "em", "b", "i", "hr",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https", "mailto")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// 画像はhttpsのみ
	p.AllowAttrs("src").Matching(httpsOnly).OnElements("img")
	p.AllowAttrs("alt").OnElements("img")

	return &contentSanitizer{
		body:  p,
		plain: bluemonday.StrictPolicy(),
	}
}

// Sanitize は本文HTMLをサニタイズする。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.body.Sanitize(rawHTML)
}

// StripTags はタグを除去し、連続する空白を1つにまとめる。
// 結果はプレーンテキストなので文字参照は元の文字に戻す。
func (s *contentSanitizer) StripTags(raw string) string {
	return strings.Join(strings.Fields(html.UnescapeString(s.plain.Sanitize(raw))), " ")
}
