package handler

import (
	"context"

	"github.com/hitoshi/civicmail/internal/content"
	"github.com/hitoshi/civicmail/internal/subscriber"
)

// SubscriberServiceAdapter は subscriber.Service を SubscriberServiceInterface に適合させるアダプタ。
type SubscriberServiceAdapter struct {
	svc *subscriber.Service
}

// NewSubscriberServiceAdapter はSubscriberServiceAdapterを生成する。
func NewSubscriberServiceAdapter(svc *subscriber.Service) *SubscriberServiceAdapter {
	return &SubscriberServiceAdapter{svc: svc}
}

// Signup は購読登録の結果をhandlerレスポンス型で返す。
func (a *SubscriberServiceAdapter) Signup(ctx context.Context, in subscriber.SignupInput) (*signupResponse, error) {
	res, err := a.svc.Signup(ctx, in)
	if err != nil {
		return nil, err
	}
	return toSignupResponse(res), nil
}

// UpdateAddress は住所更新の結果をhandlerレスポンス型で返す。
func (a *SubscriberServiceAdapter) UpdateAddress(ctx context.Context, email, address string) (*signupResponse, error) {
	res, err := a.svc.UpdateAddress(ctx, email, address)
	if err != nil {
		return nil, err
	}
	return toSignupResponse(res), nil
}

// Unsubscribe は購読解除の結果をhandlerレスポンス型で返す。
func (a *SubscriberServiceAdapter) Unsubscribe(ctx context.Context, in subscriber.UnsubscribeInput) (*unsubscribeResponse, error) {
	claims, err := a.svc.Unsubscribe(ctx, in)
	if err != nil {
		return nil, err
	}
	return &unsubscribeResponse{Email: claims.Email, ListKey: claims.ListKey}, nil
}

// ToggleSubscription は購読状態を切り替える。
func (a *SubscriberServiceAdapter) ToggleSubscription(ctx context.Context, email, listKey string, subscribe bool) error {
	return a.svc.ToggleSubscription(ctx, email, listKey, subscribe)
}

// ContentServiceAdapter は content.Service を ContentServiceInterface に適合させるアダプタ。
type ContentServiceAdapter struct {
	svc *content.Service
}

// NewContentServiceAdapter はContentServiceAdapterを生成する。
func NewContentServiceAdapter(svc *content.Service) *ContentServiceAdapter {
	return &ContentServiceAdapter{svc: svc}
}

// Import は取り込み結果をhandlerレスポンス型で返す。
func (a *ContentServiceAdapter) Import(ctx context.Context, req content.ImportRequest) (*importResponse, error) {
	res, err := a.svc.Import(ctx, req)
	if err != nil {
		return nil, err
	}
	return toImportResponse(res), nil
}

// Promote は昇格結果をhandlerレスポンス型で返す。
func (a *ContentServiceAdapter) Promote(ctx context.Context, datasetID, promotedBy string) (*promoteResponse, error) {
	res, err := a.svc.Promote(ctx, datasetID, promotedBy)
	if err != nil {
		return nil, err
	}
	return &promoteResponse{
		DatasetID:    res.DatasetID,
		Promoted:     res.Promoted,
		Cleared:      res.Cleared,
		StagingCount: res.StagingCount,
		FinalCount:   res.FinalCount,
		PromotedBy:   res.PromotedBy,
	}, nil
}

func toSignupResponse(res *subscriber.SignupResult) *signupResponse {
	return &signupResponse{
		SubscriberID:   res.SubscriberID,
		Email:          res.Email,
		Zipcode:        res.Zipcode,
		DistrictsFound: res.DistrictsFound,
	}
}

func toImportResponse(res *content.ImportResult) *importResponse {
	errs := make([]importRowError, len(res.Errors))
	for i, e := range res.Errors {
		errs[i] = importRowError{Row: e.Row, Reason: e.Reason}
	}
	return &importResponse{
		DatasetID:         res.DatasetID,
		InsertedOrUpdated: res.InsertedOrUpdated,
		Skipped:           res.Skipped,
		Errors:            errs,
	}
}
