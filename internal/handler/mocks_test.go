package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/civicmail/internal/content"
	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/personalize"
	"github.com/hitoshi/civicmail/internal/send"
	"github.com/hitoshi/civicmail/internal/subscriber"
)

// --- モック定義 ---

// mockSubscriberService はSubscriberServiceInterfaceのモック実装。
type mockSubscriberService struct {
	signupFn        func(ctx context.Context, in subscriber.SignupInput) (*signupResponse, error)
	updateAddressFn func(ctx context.Context, email, address string) (*signupResponse, error)
	unsubscribeFn   func(ctx context.Context, in subscriber.UnsubscribeInput) (*unsubscribeResponse, error)
	toggleFn        func(ctx context.Context, email, listKey string, subscribe bool) error
}

func (m *mockSubscriberService) Signup(ctx context.Context, in subscriber.SignupInput) (*signupResponse, error) {
	if m.signupFn != nil {
		return m.signupFn(ctx, in)
	}
	return &signupResponse{}, nil
}

func (m *mockSubscriberService) UpdateAddress(ctx context.Context, email, address string) (*signupResponse, error) {
	if m.updateAddressFn != nil {
		return m.updateAddressFn(ctx, email, address)
	}
	return &signupResponse{}, nil
}

func (m *mockSubscriberService) Unsubscribe(ctx context.Context, in subscriber.UnsubscribeInput) (*unsubscribeResponse, error) {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, in)
	}
	return &unsubscribeResponse{}, nil
}

func (m *mockSubscriberService) ToggleSubscription(ctx context.Context, email, listKey string, subscribe bool) error {
	if m.toggleFn != nil {
		return m.toggleFn(ctx, email, listKey, subscribe)
	}
	return nil
}

// mockSignupRecorder はSignupRecorderのモック実装。
type mockSignupRecorder struct {
	calls []int
}

func (m *mockSignupRecorder) RecordSignup(districtsFound int) {
	m.calls = append(m.calls, districtsFound)
}

// mockPersonalizeService はPersonalizeServiceInterfaceのモック実装。
type mockPersonalizeService struct {
	personalizeFn func(ctx context.Context, req personalize.Request) (*personalize.Result, error)
}

func (m *mockPersonalizeService) Personalize(ctx context.Context, req personalize.Request) (*personalize.Result, error) {
	if m.personalizeFn != nil {
		return m.personalizeFn(ctx, req)
	}
	return &personalize.Result{}, nil
}

// mockSendService はSendServiceInterfaceのモック実装。
type mockSendService struct {
	executeFn func(ctx context.Context, req send.ExecuteRequest) (*send.ExecuteResult, error)
	applyFn   func(ctx context.Context, cb send.Callback) (int, error)
}

func (m *mockSendService) Execute(ctx context.Context, req send.ExecuteRequest) (*send.ExecuteResult, error) {
	if m.executeFn != nil {
		return m.executeFn(ctx, req)
	}
	return &send.ExecuteResult{}, nil
}

func (m *mockSendService) ApplyProviderResults(ctx context.Context, cb send.Callback) (int, error) {
	if m.applyFn != nil {
		return m.applyFn(ctx, cb)
	}
	return len(cb.Results), nil
}

// mockContentService はContentServiceInterfaceのモック実装。
type mockContentService struct {
	importFn  func(ctx context.Context, req content.ImportRequest) (*importResponse, error)
	promoteFn func(ctx context.Context, datasetID, promotedBy string) (*promoteResponse, error)
}

func (m *mockContentService) Import(ctx context.Context, req content.ImportRequest) (*importResponse, error) {
	if m.importFn != nil {
		return m.importFn(ctx, req)
	}
	return &importResponse{}, nil
}

func (m *mockContentService) Promote(ctx context.Context, datasetID, promotedBy string) (*promoteResponse, error) {
	if m.promoteFn != nil {
		return m.promoteFn(ctx, datasetID, promotedBy)
	}
	return &promoteResponse{}, nil
}

// mockFeedSource はFeedRowSourceのモック実装。
type mockFeedSource struct {
	rowsFn func(ctx context.Context, feedURL string, opts content.FeedOptions) ([]content.ImportRow, error)
}

func (m *mockFeedSource) Rows(ctx context.Context, feedURL string, opts content.FeedOptions) ([]content.ImportRow, error) {
	if m.rowsFn != nil {
		return m.rowsFn(ctx, feedURL, opts)
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

var (
	_ SubscriberServiceInterface  = (*SubscriberServiceAdapter)(nil)
	_ ContentServiceInterface     = (*ContentServiceAdapter)(nil)
	_ PersonalizeServiceInterface = (*personalize.Service)(nil)
	_ SendServiceInterface        = (*send.Service)(nil)
	_ FeedRowSource               = (*content.FeedSource)(nil)
)

// --- テストヘルパー ---

// decodedSuccess は成功レスポンスをデコードした結果。
type decodedSuccess struct {
	OK   bool            `json:"ok"`
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

// parseSuccess は成功レスポンスをパースするヘルパー。
func parseSuccess(t *testing.T, w *httptest.ResponseRecorder) decodedSuccess {
	t.Helper()
	var res decodedSuccess
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode success response: %v", err)
	}
	if !res.OK {
		t.Fatalf("ok = false, body code = %q", res.Code)
	}
	return res
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
