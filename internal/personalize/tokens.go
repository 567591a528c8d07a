package personalize

import (
	"html"
	"net/url"
	"strings"
)

// 本文中で置換するトークン。
const (
	TokenDelegation  = "[[DELEGATION]]"
	TokenEmail       = "[[EMAIL]]"
	TokenJobID       = "[[JOB_ID]]"
	TokenBatchID     = "[[BATCH_ID]]"
	TokenUnsubscribe = "[[UNSUBSCRIBE]]"
)

// TokenContext はトークン置換に使う値。
type TokenContext struct {
	Email          string
	JobID          string
	BatchID        string
	DelegationURL  string
	UnsubscribeURL string
}

// ResolveTokens は本文中のトークンを置換する。
// [[BATCH_ID]]はBatchIDがある場合のみ置換し、無ければそのまま残す。
func ResolveTokens(body string, tc TokenContext) string {
	out := body

	if strings.Contains(out, TokenDelegation) {
		out = strings.ReplaceAll(out, TokenDelegation, delegationHTML(tc.DelegationURL))
	}
	if strings.Contains(out, TokenUnsubscribe) {
		out = strings.ReplaceAll(out, TokenUnsubscribe, unsubscribeHTML(tc.UnsubscribeURL))
	}

	out = strings.ReplaceAll(out, TokenEmail, html.EscapeString(tc.Email))
	out = strings.ReplaceAll(out, TokenJobID, html.EscapeString(tc.JobID))
	if tc.BatchID != "" {
		out = strings.ReplaceAll(out, TokenBatchID, html.EscapeString(tc.BatchID))
	}
	return out
}

func delegationHTML(link string) string {
	if link == "" {
		return `<p><em>delegation link unavailable</em></p>`
	}
	return `<p>If you can't email right now, you can <a href="` + html.EscapeString(link) +
		`" target="_blank" rel="noopener noreferrer">delegate this action</a>.</p>`
}

func unsubscribeHTML(link string) string {
	if link == "" {
		return ""
	}
	return `<p><a href="` + html.EscapeString(link) + `">Unsubscribe</a></p>`
}

// DelegationURL は委任ページのURLを組み立てる。
func DelegationURL(baseURL, jobID, batchID, email string) string {
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("batch_id", batchID)
	q.Set("email", email)
	return strings.TrimRight(baseURL, "/") + "/delegate?" + q.Encode()
}

// UnsubscribeURL は購読解除APIのURLを組み立てる。
func UnsubscribeURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/api/unsubscribe?token=" + url.QueryEscape(token)
}
