// Package personalize は購読者1人分のメール本文を組み立てる。
package personalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/civicmail/internal/metrics"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/repository"
	"github.com/hitoshi/civicmail/internal/subscriber"
	"github.com/hitoshi/civicmail/internal/targeting"
)

// 該当コンテンツが無い場合の既定値。
const (
	DefaultSubject = "Update from Your Friend Fido"
	DefaultBody    = "<p>Thanks for staying engaged.</p>"
)

// TokenSigner は購読解除トークンを発行するインターフェース。
type TokenSigner interface {
	Sign(email, listKey string) (string, error)
}

// Request はパーソナライズ要求。
type Request struct {
	JobID     string
	BatchID   string
	Email     string
	DatasetID string
}

// Result はパーソナライズ済みのメール。
type Result struct {
	JobID     string `json:"job_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Email     string `json:"email"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
	ContentID string `json:"content_id,omitempty"`
	Tier      string `json:"tier"`
}

// Service はコンテンツ選択とトークン置換を行う。
type Service struct {
	jobs        repository.SendJobRepository
	subscribers repository.SubscriberRepository
	contents    repository.ContentRepository
	delegations repository.DelegationRepository
	signer      TokenSigner
	metrics     metrics.MetricsCollector
	baseURL     string
	logger      *slog.Logger
}

// NewService はServiceを生成する。signerがnilの場合は[[UNSUBSCRIBE]]を空に置換する。
func NewService(
	jobs repository.SendJobRepository,
	subscribers repository.SubscriberRepository,
	contents repository.ContentRepository,
	delegations repository.DelegationRepository,
	signer TokenSigner,
	mc metrics.MetricsCollector,
	baseURL string,
	logger *slog.Logger,
) *Service {
	return &Service{
		jobs:        jobs,
		subscribers: subscribers,
		contents:    contents,
		delegations: delegations,
		signer:      signer,
		metrics:     mc,
		baseURL:     baseURL,
		logger:      logger,
	}
}

// Personalize は購読者向けにコンテンツを1件選び、トークンを置換したメールを返す。
// 未登録の購読者は地理情報なしとして扱い、グローバルなコンテンツのみが候補になる。
func (s *Service) Personalize(ctx context.Context, req Request) (*Result, error) {
	jobID := strings.TrimSpace(req.JobID)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if jobID == "" || email == "" {
		return nil, model.NewInvalidRequestError("job_id and email are required")
	}
	batchID := strings.TrimSpace(req.BatchID)

	datasetID, err := s.resolveDataset(ctx, jobID, strings.TrimSpace(req.DatasetID))
	if err != nil {
		return nil, err
	}

	sub, err := s.subscribers.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	g, paths := subscriber.GeoFor(sub)

	items, err := s.contents.ListLive(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("コンテンツの取得に失敗しました: %w", err)
	}

	selected := targeting.Select(targeting.Request{
		Geo:        g,
		Paths:      paths,
		Candidates: toCandidates(items),
	})
	if s.metrics != nil {
		s.metrics.RecordSelection(selected.Tier.String())
	}

	subject, body, contentID := DefaultSubject, DefaultBody, ""
	if selected.Found() {
		c := selected.Candidate
		contentID = c.ID
		if strings.TrimSpace(c.Subject) != "" {
			subject = c.Subject
		}
		switch {
		case strings.TrimSpace(c.BodyHTML) != "":
			body = c.BodyHTML
		case strings.TrimSpace(c.BodyMarkdown) != "":
			body = c.BodyMarkdown
		}
	}

	tc := TokenContext{Email: email, JobID: jobID, BatchID: batchID}
	if strings.Contains(body, TokenDelegation) {
		tc.DelegationURL = s.delegationURL(ctx, email, jobID)
	}
	if strings.Contains(body, TokenUnsubscribe) {
		tc.UnsubscribeURL = s.unsubscribeURL(email)
	}
	html := ResolveTokens(body, tc)

	s.logger.Debug("personalized",
		slog.String("job_id", jobID),
		slog.String("email", email),
		slog.String("tier", selected.Tier.String()),
		slog.String("content_id", contentID),
	)

	return &Result{
		JobID:     jobID,
		BatchID:   batchID,
		Email:     email,
		Subject:   subject,
		HTML:      html,
		Text:      HTMLToText(html),
		ContentID: contentID,
		Tier:      selected.Tier.String(),
	}, nil
}

// resolveDataset は指定が無ければジョブからデータセットIDを解決する。
func (s *Service) resolveDataset(ctx context.Context, jobID, datasetID string) (string, error) {
	if datasetID != "" {
		return datasetID, nil
	}
	job, err := s.jobs.FindByID(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("送信ジョブの取得に失敗しました: %w", err)
	}
	if job == nil || job.DatasetID == "" {
		return "", model.NewJobNotFoundError(jobID)
	}
	return job.DatasetID, nil
}

// delegationURL は保存済みの委任リンクを返す。取得に失敗した場合は空文字列を返す。
func (s *Service) delegationURL(ctx context.Context, email, jobID string) string {
	if s.delegations == nil {
		return ""
	}
	link, err := s.delegations.LatestURL(ctx, email, jobID)
	if err != nil {
		s.logger.Warn("委任リンクの取得に失敗しました",
			slog.String("job_id", jobID),
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return link
}

func (s *Service) unsubscribeURL(email string) string {
	if s.signer == nil || s.baseURL == "" {
		return ""
	}
	token, err := s.signer.Sign(email, model.DefaultListKey)
	if err != nil {
		s.logger.Warn("購読解除トークンの発行に失敗しました", slog.String("error", err.Error()))
		return ""
	}
	return UnsubscribeURL(s.baseURL, token)
}

func toCandidates(items []*model.ContentItem) []targeting.Candidate {
	out := make([]targeting.Candidate, 0, len(items))
	for _, it := range items {
		out = append(out, targeting.Candidate{
			ID:           it.ID,
			Subject:      it.Subject,
			BodyHTML:     it.BodyHTML,
			BodyMarkdown: it.BodyMarkdown,
			Scope:        it.Scope,
			AudienceRule: it.AudienceRule,
			Priority:     it.Priority,
			CreatedAt:    it.CreatedAt,
		})
	}
	return out
}
