// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, subscriber, content, send, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeFeatureDisabled    = "FEATURE_DISABLED"
	ErrCodeSubscriberNotFound = "SUBSCRIBER_NOT_FOUND"
	ErrCodeDatasetNotFound    = "DATASET_NOT_FOUND"
	ErrCodeJobNotFound        = "JOB_NOT_FOUND"
	ErrCodeCivicAPI           = "CIVIC_API_ERROR"
	ErrCodeDispatchFailed     = "DISPATCH_FAILED"
	ErrCodeDispatchTimeout    = "DISPATCH_TIMEOUT"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeParseFailed        = "PARSE_FAILED"
)

// NewInvalidRequestError は入力検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "正しい認証情報を指定してください。",
	}
}

// NewInvalidTokenError は署名付きトークンの検証エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "最新のメールに記載されたリンクを使用してください。",
	}
}

// NewFeatureDisabledError は機能フラグで無効化された操作のエラーを生成する。
func NewFeatureDisabledError(feature string) *APIError {
	return &APIError{
		Code:     ErrCodeFeatureDisabled,
		Message:  fmt.Sprintf("この機能は現在無効です: %s", feature),
		Category: "system",
		Action:   "管理者に機能フラグの設定を確認してください。",
	}
}

// NewSubscriberNotFoundError は購読者未検出エラーを生成する。
func NewSubscriberNotFoundError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriberNotFound,
		Message:  fmt.Sprintf("購読者が見つかりません: %s", email),
		Category: "subscriber",
		Action:   "メールアドレスを確認してください。",
	}
}

// NewDatasetNotFoundError はデータセット未検出エラーを生成する。
func NewDatasetNotFoundError(datasetID string) *APIError {
	return &APIError{
		Code:     ErrCodeDatasetNotFound,
		Message:  fmt.Sprintf("データセットが見つかりません: %s", datasetID),
		Category: "content",
		Action:   "データセットIDを確認してください。",
	}
}

// NewJobNotFoundError は送信ジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("送信ジョブが見つかりません: %s", jobID),
		Category: "send",
		Action:   "ジョブIDを確認するか、dataset_idを指定してください。",
	}
}

// NewCivicAPIError は住所解決APIのエラーを生成する。
func NewCivicAPIError(status int) *APIError {
	return &APIError{
		Code:     ErrCodeCivicAPI,
		Message:  fmt.Sprintf("住所から選挙区を解決できませんでした（status=%d）", status),
		Category: "subscriber",
		Action:   "住所を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewDispatchFailedError は配信先への送出失敗エラーを生成する。
func NewDispatchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDispatchFailed,
		Message:  fmt.Sprintf("配信リクエストの送出に失敗しました: %s", reason),
		Category: "send",
		Action:   "配信先の設定と稼働状況を確認してください。",
	}
}

// NewDispatchTimeoutError は配信先が時間内に応答しなかったエラーを生成する。
func NewDispatchTimeoutError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDispatchTimeout,
		Message:  fmt.Sprintf("配信先が応答しませんでした: %s", reason),
		Category: "send",
		Action:   "配信先の稼働状況を確認し、同じjob_idで再実行してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているURLを指定してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError は外部取得の失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "content",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError は取り込みデータの解析失敗エラーを生成する。
func NewParseFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  fmt.Sprintf("データの解析に失敗しました: %s", reason),
		Category: "content",
		Action:   "ファイル形式とヘッダ行を確認してください。",
	}
}
