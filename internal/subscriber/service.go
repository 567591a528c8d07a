// Package subscriber は購読登録、住所による区画の付与、購読解除のドメインロジックを提供する。
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/civicmail/internal/civic"
	"github.com/hitoshi/civicmail/internal/geo"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/repository"
	"github.com/hitoshi/civicmail/internal/security"
)

// minAddressLength はサニタイズ後の住所の最小文字数。
const minAddressLength = 10

var addressPrefix = regexp.MustCompile(`(?i)^\s*address\s*:\s*`)

// TokenVerifier は購読解除トークンの検証インターフェース。
type TokenVerifier interface {
	Verify(token string) (*security.UnsubscribeClaims, error)
}

// SignupInput は購読登録の入力。
type SignupInput struct {
	Email   string
	Address string
	Name    string
}

// SignupResult は購読登録の結果。
type SignupResult struct {
	SubscriberID   string
	Email          string
	Zipcode        string
	DistrictsFound int
}

// UnsubscribeInput は購読解除の入力。UserAgentとIPは監査記録用。
type UnsubscribeInput struct {
	Token     string
	UserAgent string
	IP        string
}

// Service は購読者管理のサービス層。
type Service struct {
	subscribers   repository.SubscriberRepository
	subscriptions repository.SubscriptionRepository
	resolver      civic.Resolver
	verifier      TokenVerifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewService はServiceを生成する。resolverがnilの場合は区画解決を行わない。
func NewService(
	subscribers repository.SubscriberRepository,
	subscriptions repository.SubscriptionRepository,
	resolver civic.Resolver,
	verifier TokenVerifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		subscribers:   subscribers,
		subscriptions: subscriptions,
		resolver:      resolver,
		verifier:      verifier,
		logger:        logger,
		now:           time.Now,
	}
}

// Signup は購読者を登録または更新し、既定リストを購読状態にする。
// 区画解決に失敗しても登録は続行し、区画なしで保存する。
func (s *Service) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	address, err := SanitizeAddress(in.Address)
	if err != nil {
		return nil, err
	}

	sub := s.enrich(ctx, &model.Subscriber{
		Email:   email,
		Name:    strings.TrimSpace(in.Name),
		Address: address,
	})

	id, err := s.subscribers.UpsertByEmail(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("購読者の保存に失敗しました: %w", err)
	}
	if err := s.subscriptions.Ensure(ctx, id, model.DefaultListKey); err != nil {
		return nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	s.logger.Info("購読者を登録しました",
		slog.String("subscriber_id", id),
		slog.Int("districts_found", len(sub.DivisionPaths)),
	)

	return &SignupResult{
		SubscriberID:   id,
		Email:          email,
		Zipcode:        sub.Zipcode,
		DistrictsFound: len(sub.DivisionPaths),
	}, nil
}

// UpdateAddress は既存の購読者の住所と区画を更新する。購読状態は変更しない。
func (s *Service) UpdateAddress(ctx context.Context, rawEmail, rawAddress string) (*SignupResult, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	address, err := SanitizeAddress(rawAddress)
	if err != nil {
		return nil, err
	}

	existing, err := s.subscribers.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	if existing == nil {
		return nil, model.NewSubscriberNotFoundError(email)
	}

	existing.Address = address
	sub := s.enrich(ctx, existing)

	id, err := s.subscribers.UpsertByEmail(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("購読者の保存に失敗しました: %w", err)
	}

	return &SignupResult{
		SubscriberID:   id,
		Email:          email,
		Zipcode:        sub.Zipcode,
		DistrictsFound: len(sub.DivisionPaths),
	}, nil
}

// enrich は住所から区画・郵便番号・事前計算の地理情報を設定する。
func (s *Service) enrich(ctx context.Context, sub *model.Subscriber) *model.Subscriber {
	var res civic.Result
	if s.resolver != nil {
		r, err := s.resolver.DivisionsByAddress(ctx, sub.Address)
		if err != nil {
			s.logger.Warn("区画の解決に失敗したため区画なしで保存します",
				slog.String("error", err.Error()),
			)
		} else {
			res = r
		}
	}

	sub.DivisionPaths = res.Paths
	sub.Zipcode = res.Zip
	if sub.Zipcode == "" {
		sub.Zipcode = civic.ExtractZip(sub.Address)
	}

	g := geo.ExtractGeoContext(geo.ToPaths(res.Paths))
	sub.State, sub.CountyFIPS, sub.Place = g.State, g.CountyFIPS, g.Place
	sub.VerifiedAt = nil
	if len(res.Paths) > 0 {
		now := s.now()
		sub.VerifiedAt = &now
	}
	return sub
}

// Unsubscribe は署名付きトークンを検証して購読を解除する。
// 購読者が存在しない場合も監査記録だけは残し、成功として扱う。
func (s *Service) Unsubscribe(ctx context.Context, in UnsubscribeInput) (*security.UnsubscribeClaims, error) {
	claims, err := s.verifier.Verify(in.Token)
	if err != nil {
		return nil, model.NewInvalidTokenError()
	}

	sub, err := s.subscribers.FindByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	if sub != nil {
		if err := s.subscriptions.MarkUnsubscribed(ctx, sub.ID, claims.ListKey, s.now()); err != nil {
			return nil, fmt.Errorf("購読解除に失敗しました: %w", err)
		}
	}

	if err := s.subscriptions.RecordUnsubscribe(ctx, claims.Email, claims.ListKey, in.UserAgent, in.IP); err != nil {
		return nil, fmt.Errorf("購読解除の記録に失敗しました: %w", err)
	}

	s.logger.Info("購読を解除しました", slog.String("list_key", claims.ListKey))
	return claims, nil
}

// ToggleSubscription は購読者の指定リストの購読状態を切り替える。
func (s *Service) ToggleSubscription(ctx context.Context, rawEmail, listKey string, subscribe bool) error {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	if listKey = strings.TrimSpace(listKey); listKey == "" {
		listKey = model.DefaultListKey
	}

	sub, err := s.subscribers.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return model.NewSubscriberNotFoundError(email)
	}

	if subscribe {
		err = s.subscriptions.Ensure(ctx, sub.ID, listKey)
	} else {
		err = s.subscriptions.MarkUnsubscribed(ctx, sub.ID, listKey, s.now())
	}
	if err != nil {
		return fmt.Errorf("購読状態の更新に失敗しました: %w", err)
	}
	return nil
}

// GeoFor は購読者の地理情報と区画パスを返す。
// 事前計算済みの値があればそれを使い、なければ区画パスから導出する。
func GeoFor(sub *model.Subscriber) (geo.GeographyContext, []geo.DivisionPath) {
	if sub == nil {
		return geo.GeographyContext{}, nil
	}
	paths := geo.ToPaths(sub.DivisionPaths)
	if sub.HasPrecomputedGeo() {
		return geo.GeographyContext{
			State:      strings.ToUpper(strings.TrimSpace(sub.State)),
			CountyFIPS: strings.TrimSpace(sub.CountyFIPS),
			Place:      geo.Norm(sub.Place),
		}, paths
	}
	return geo.ExtractGeoContext(paths), paths
}

// NormalizeEmail はメールアドレスを検証し、小文字化して返す。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", model.NewInvalidRequestError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", model.NewInvalidRequestError("email is invalid")
	}
	return email, nil
}

// SanitizeAddress は "Address:" 接頭辞を除去して空白を詰め、最小長を検証する。
func SanitizeAddress(raw string) (string, error) {
	address := strings.Join(strings.Fields(addressPrefix.ReplaceAllString(raw, "")), " ")
	if len(address) < minAddressLength {
		return "", model.NewInvalidRequestError(fmt.Sprintf("address must be at least %d characters", minAddressLength))
	}
	return address, nil
}
