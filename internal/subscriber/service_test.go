package subscriber

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/civicmail/internal/civic"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/security"
)

// --- モック ---

type mockSubscriberRepo struct {
	findByEmailFn   func(ctx context.Context, email string) (*model.Subscriber, error)
	upsertByEmailFn func(ctx context.Context, s *model.Subscriber) (string, error)
	upserted        *model.Subscriber
}

func (m *mockSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}
func (m *mockSubscriberRepo) UpsertByEmail(ctx context.Context, s *model.Subscriber) (string, error) {
	m.upserted = s
	if m.upsertByEmailFn != nil {
		return m.upsertByEmailFn(ctx, s)
	}
	return "sub-1", nil
}
func (m *mockSubscriberRepo) ListActive(ctx context.Context, listKey string, limit int) ([]*model.Subscriber, error) {
	return nil, nil
}

type subscriptionCall struct {
	op           string
	subscriberID string
	listKey      string
}

type mockSubscriptionRepo struct {
	calls     []subscriptionCall
	recorded  []string
	ensureErr error
}

func (m *mockSubscriptionRepo) Find(ctx context.Context, subscriberID, listKey string) (*model.Subscription, error) {
	return nil, nil
}
func (m *mockSubscriptionRepo) Ensure(ctx context.Context, subscriberID, listKey string) error {
	m.calls = append(m.calls, subscriptionCall{"ensure", subscriberID, listKey})
	return m.ensureErr
}
func (m *mockSubscriptionRepo) MarkUnsubscribed(ctx context.Context, subscriberID, listKey string, at time.Time) error {
	m.calls = append(m.calls, subscriptionCall{"unsubscribe", subscriberID, listKey})
	return nil
}
func (m *mockSubscriptionRepo) RecordUnsubscribe(ctx context.Context, email, listKey, userAgent, ip string) error {
	m.recorded = append(m.recorded, email+"|"+listKey+"|"+userAgent+"|"+ip)
	return nil
}

type mockResolver struct {
	result civic.Result
	err    error
	got    string
}

func (m *mockResolver) DivisionsByAddress(ctx context.Context, address string) (civic.Result, error) {
	m.got = address
	return m.result, m.err
}

func newTestService(subs *mockSubscriberRepo, subscriptions *mockSubscriptionRepo, resolver civic.Resolver) *Service {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewService(subs, subscriptions, resolver, security.NewUnsubscribeSigner("secret", 0), logger)
	svc.now = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

var columbusResult = civic.Result{
	Paths: []string{
		"ocd-division/country:us",
		"ocd-division/country:us/state:oh",
		"ocd-division/country:us/state:oh/county_fips:39049",
		"ocd-division/country:us/state:oh/place:columbus",
	},
	Zip: "43215",
}

// --- テスト ---

func TestService_Signup(t *testing.T) {
	subs := &mockSubscriberRepo{}
	subscriptions := &mockSubscriptionRepo{}
	resolver := &mockResolver{result: columbusResult}
	svc := newTestService(subs, subscriptions, resolver)

	res, err := svc.Signup(context.Background(), SignupInput{
		Email:   "  Voter@Example.COM ",
		Address: "Address:  1 Main St,\n Columbus, OH",
		Name:    " Pat ",
	})
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	if res.Email != "voter@example.com" || res.Zipcode != "43215" || res.DistrictsFound != 4 {
		t.Errorf("Signup() = %+v", res)
	}
	if resolver.got != "1 Main St, Columbus, OH" {
		t.Errorf("resolver address = %q, want sanitized address", resolver.got)
	}

	saved := subs.upserted
	if saved.Name != "Pat" {
		t.Errorf("Name = %q, want Pat", saved.Name)
	}
	if saved.State != "OH" || saved.CountyFIPS != "39049" || saved.Place != "columbus,oh" {
		t.Errorf("precomputed geo = %q/%q/%q", saved.State, saved.CountyFIPS, saved.Place)
	}
	if saved.VerifiedAt == nil {
		t.Error("VerifiedAt should be set when divisions were found")
	}

	if len(subscriptions.calls) != 1 || subscriptions.calls[0] != (subscriptionCall{"ensure", "sub-1", model.DefaultListKey}) {
		t.Errorf("subscription calls = %+v", subscriptions.calls)
	}
}

func TestService_Signup_CivicFailureDegrades(t *testing.T) {
	subs := &mockSubscriberRepo{}
	resolver := &mockResolver{err: &civic.StatusError{StatusCode: 500}}
	svc := newTestService(subs, &mockSubscriptionRepo{}, resolver)

	res, err := svc.Signup(context.Background(), SignupInput{
		Email:   "voter@example.com",
		Address: "1 Main St, Columbus, OH 43215-1111",
	})
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if res.DistrictsFound != 0 {
		t.Errorf("DistrictsFound = %d, want 0", res.DistrictsFound)
	}
	if res.Zipcode != "43215" {
		t.Errorf("Zipcode = %q, want zip parsed from address", res.Zipcode)
	}
	if subs.upserted.VerifiedAt != nil || subs.upserted.HasPrecomputedGeo() {
		t.Error("no geo should be stored when the civic lookup failed")
	}
}

func TestService_Signup_WithoutResolver(t *testing.T) {
	subs := &mockSubscriberRepo{}
	svc := newTestService(subs, &mockSubscriptionRepo{}, nil)

	if _, err := svc.Signup(context.Background(), SignupInput{Email: "a@example.com", Address: "22 Elm Street, Dayton"}); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if len(subs.upserted.DivisionPaths) != 0 {
		t.Errorf("DivisionPaths = %v, want empty", subs.upserted.DivisionPaths)
	}
}

func TestService_Signup_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   SignupInput
	}{
		{"メールなし", SignupInput{Address: "1 Main St, Columbus"}},
		{"メール不正", SignupInput{Email: "not-an-email", Address: "1 Main St, Columbus"}},
		{"表示名付き", SignupInput{Email: "Pat <pat@example.com>", Address: "1 Main St, Columbus"}},
		{"ドメインにドットなし", SignupInput{Email: "pat@localhost", Address: "1 Main St, Columbus"}},
		{"住所が短い", SignupInput{Email: "pat@example.com", Address: "Address: 1 Main"}},
		{"住所なし", SignupInput{Email: "pat@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &mockSubscriberRepo{}
			svc := newTestService(subs, &mockSubscriptionRepo{}, &mockResolver{})
			_, err := svc.Signup(context.Background(), tt.in)

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
				t.Fatalf("error = %v, want INVALID_REQUEST", err)
			}
			if subs.upserted != nil {
				t.Error("nothing should be saved on validation failure")
			}
		})
	}
}

func TestService_Signup_RepositoryError(t *testing.T) {
	subs := &mockSubscriberRepo{
		upsertByEmailFn: func(ctx context.Context, s *model.Subscriber) (string, error) {
			return "", errors.New("db down")
		},
	}
	svc := newTestService(subs, &mockSubscriptionRepo{}, nil)

	if _, err := svc.Signup(context.Background(), SignupInput{Email: "a@example.com", Address: "1 Main St, Columbus"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestService_UpdateAddress(t *testing.T) {
	subs := &mockSubscriberRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.Subscriber, error) {
			return &model.Subscriber{ID: "sub-9", Email: email, Name: "Pat", Address: "old"}, nil
		},
		upsertByEmailFn: func(ctx context.Context, s *model.Subscriber) (string, error) {
			return s.ID, nil
		},
	}
	subscriptions := &mockSubscriptionRepo{}
	svc := newTestService(subs, subscriptions, &mockResolver{result: columbusResult})

	res, err := svc.UpdateAddress(context.Background(), "pat@example.com", "1 Main St, Columbus, OH")
	if err != nil {
		t.Fatalf("UpdateAddress() error = %v", err)
	}
	if res.SubscriberID != "sub-9" || res.DistrictsFound != 4 {
		t.Errorf("UpdateAddress() = %+v", res)
	}
	if subs.upserted.Name != "Pat" || subs.upserted.Address != "1 Main St, Columbus, OH" {
		t.Errorf("saved = %+v", subs.upserted)
	}
	if len(subscriptions.calls) != 0 {
		t.Errorf("subscription state must not change: %+v", subscriptions.calls)
	}
}

func TestService_UpdateAddress_NotFound(t *testing.T) {
	svc := newTestService(&mockSubscriberRepo{}, &mockSubscriptionRepo{}, nil)

	_, err := svc.UpdateAddress(context.Background(), "ghost@example.com", "1 Main St, Columbus")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSubscriberNotFound {
		t.Fatalf("error = %v, want SUBSCRIBER_NOT_FOUND", err)
	}
}

func TestService_Unsubscribe(t *testing.T) {
	subs := &mockSubscriberRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.Subscriber, error) {
			return &model.Subscriber{ID: "sub-1", Email: email}, nil
		},
	}
	subscriptions := &mockSubscriptionRepo{}
	svc := newTestService(subs, subscriptions, nil)

	token, err := security.NewUnsubscribeSigner("secret", 0).Sign("voter@example.com", "general")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	claims, err := svc.Unsubscribe(context.Background(), UnsubscribeInput{Token: token, UserAgent: "ua", IP: "203.0.113.5"})
	if err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if claims.Email != "voter@example.com" {
		t.Errorf("claims.Email = %q", claims.Email)
	}
	if len(subscriptions.calls) != 1 || subscriptions.calls[0] != (subscriptionCall{"unsubscribe", "sub-1", "general"}) {
		t.Errorf("subscription calls = %+v", subscriptions.calls)
	}
	if len(subscriptions.recorded) != 1 || subscriptions.recorded[0] != "voter@example.com|general|ua|203.0.113.5" {
		t.Errorf("recorded = %v", subscriptions.recorded)
	}
}

func TestService_Unsubscribe_UnknownSubscriberStillRecorded(t *testing.T) {
	subscriptions := &mockSubscriptionRepo{}
	svc := newTestService(&mockSubscriberRepo{}, subscriptions, nil)

	token, _ := security.NewUnsubscribeSigner("secret", 0).Sign("gone@example.com", "general")
	if _, err := svc.Unsubscribe(context.Background(), UnsubscribeInput{Token: token}); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if len(subscriptions.calls) != 0 {
		t.Errorf("no subscription update expected: %+v", subscriptions.calls)
	}
	if len(subscriptions.recorded) != 1 {
		t.Errorf("audit record expected, got %v", subscriptions.recorded)
	}
}

func TestService_Unsubscribe_InvalidToken(t *testing.T) {
	svc := newTestService(&mockSubscriberRepo{}, &mockSubscriptionRepo{}, nil)

	_, err := svc.Unsubscribe(context.Background(), UnsubscribeInput{Token: "bogus"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidToken {
		t.Fatalf("error = %v, want INVALID_TOKEN", err)
	}
}

func TestService_ToggleSubscription(t *testing.T) {
	found := func(ctx context.Context, email string) (*model.Subscriber, error) {
		return &model.Subscriber{ID: "sub-1", Email: email}, nil
	}

	tests := []struct {
		name      string
		listKey   string
		subscribe bool
		want      subscriptionCall
	}{
		{"購読", "alerts", true, subscriptionCall{"ensure", "sub-1", "alerts"}},
		{"解除", "alerts", false, subscriptionCall{"unsubscribe", "sub-1", "alerts"}},
		{"リスト省略時はgeneral", "  ", true, subscriptionCall{"ensure", "sub-1", "general"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subscriptions := &mockSubscriptionRepo{}
			svc := newTestService(&mockSubscriberRepo{findByEmailFn: found}, subscriptions, nil)

			if err := svc.ToggleSubscription(context.Background(), "a@example.com", tt.listKey, tt.subscribe); err != nil {
				t.Fatalf("ToggleSubscription() error = %v", err)
			}
			if len(subscriptions.calls) != 1 || subscriptions.calls[0] != tt.want {
				t.Errorf("calls = %+v, want %+v", subscriptions.calls, tt.want)
			}
		})
	}
}

func TestService_ToggleSubscription_NotFound(t *testing.T) {
	svc := newTestService(&mockSubscriberRepo{}, &mockSubscriptionRepo{}, nil)

	err := svc.ToggleSubscription(context.Background(), "ghost@example.com", "general", true)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSubscriberNotFound {
		t.Fatalf("error = %v, want SUBSCRIBER_NOT_FOUND", err)
	}
}

func TestGeoFor(t *testing.T) {
	t.Run("事前計算済みを優先", func(t *testing.T) {
		g, paths := GeoFor(&model.Subscriber{
			DivisionPaths: []string{"ocd-division/country:us/state:ky"},
			State:         "oh",
			Place:         "Columbus,OH",
		})
		if g.State != "OH" || g.Place != "columbus,oh" {
			t.Errorf("geo = %+v", g)
		}
		if len(paths) != 1 {
			t.Errorf("paths = %v", paths)
		}
	})

	t.Run("区画パスから導出", func(t *testing.T) {
		g, _ := GeoFor(&model.Subscriber{DivisionPaths: columbusResult.Paths})
		if g.State != "OH" || g.CountyFIPS != "39049" || g.Place != "columbus,oh" {
			t.Errorf("geo = %+v", g)
		}
	})

	t.Run("nil", func(t *testing.T) {
		g, paths := GeoFor(nil)
		if !g.IsEmpty() || paths != nil {
			t.Errorf("GeoFor(nil) = %+v, %v", g, paths)
		}
	})
}

func TestSanitizeAddress(t *testing.T) {
	got, err := SanitizeAddress("  ADDRESS :   500 High St\t\tColumbus   OH ")
	if err != nil {
		t.Fatalf("SanitizeAddress() error = %v", err)
	}
	if got != "500 High St Columbus OH" {
		t.Errorf("SanitizeAddress() = %q", got)
	}
}
