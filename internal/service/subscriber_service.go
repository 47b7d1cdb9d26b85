package service

import (
	"context"
	"net/mail"
	"strings"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/logger"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/repository"
)

type SubscriberService struct {
	SubscriberRepo repository.SubscriberRepositoryInterface
	Verifications  repository.VerificationSource

	log zerolog.Logger
}

func NewSubscriberService(subs repository.SubscriberRepositoryInterface, verifications repository.VerificationSource, log zerolog.Logger) *SubscriberService {
	return &SubscriberService{SubscriberRepo: subs, Verifications: verifications, log: log}
}

type SubscriberPage struct {
	Subscribers []model.Subscriber `json:"subscribers"`
	Total       int                `json:"total"`
	Page        int                `json:"page"`
	PageSize    int                `json:"page_size"`
	TotalPages  int                `json:"total_pages"`
}

type CreateSubscriberRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Source    string `json:"source"`
}

type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

func (s *SubscriberService) List(ctx context.Context, page, pageSize int, filter model.SubscriberFilter) (*SubscriberPage, error) {
	page, pageSize = clampPage(page, pageSize)
	subs, total, err := s.SubscriberRepo.List(ctx, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &SubscriberPage{
		Subscribers: subs,
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages(total, pageSize),
	}, nil
}

// ValidateEmail accepts a bare address with a dotted domain and returns it
// in canonical form.
func ValidateEmail(raw string) (string, error) {
	email := model.NormalizeEmail(raw)
	if email == "" {
		return "", appErrors.NewValidation("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", appErrors.NewValidation("email", "invalid email address")
	}
	_, domain, _ := strings.Cut(email, "@")
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", appErrors.NewValidation("email", "invalid email address")
	}
	return email, nil
}

func (s *SubscriberService) Create(ctx context.Context, req CreateSubscriberRequest) (*model.Subscriber, error) {
	email, err := ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}
	source := model.SourceManual
	if strings.TrimSpace(req.Source) != "" {
		if source, err = model.ParseSubscriberSource(req.Source); err != nil {
			return nil, appErrors.NewValidation("source", err.Error())
		}
	}

	sub := &model.Subscriber{
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
		Source:    source,
		Active:    true,
	}
	if err := s.SubscriberRepo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.log.Info().Int("subscriber_id", sub.ID).Str("email", logger.RedactEmail(sub.Email)).Msg("subscriber created")
	return sub, nil
}

// SetActive toggles whether the subscriber is picked for future campaigns.
// Jobs already queued keep their frozen recipients.
func (s *SubscriberService) SetActive(ctx context.Context, id int, active bool) (*model.Subscriber, error) {
	return s.SubscriberRepo.SetActive(ctx, id, active)
}

func (s *SubscriberService) Delete(ctx context.Context, id int) error {
	return s.SubscriberRepo.Delete(ctx, id)
}

func (s *SubscriberService) Stats(ctx context.Context) (*model.SubscriberStats, error) {
	return s.SubscriberRepo.Stats(ctx)
}

// Import copies verified registration contacts into the subscriber list.
// Addresses already present, or not valid, are counted as skipped, so
// running it twice imports nothing new.
func (s *SubscriberService) Import(ctx context.Context) (*ImportResult, error) {
	contacts, err := s.Verifications.ListVerified(ctx)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for _, c := range contacts {
		email, err := ValidateEmail(c.Email)
		if err != nil {
			res.Skipped++
			continue
		}
		inserted, err := s.SubscriberRepo.InsertIfAbsent(ctx, &model.Subscriber{
			Email:     email,
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Phone:     c.Phone,
			Source:    model.SourceVerification,
			Active:    true,
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			res.Imported++
		} else {
			res.Skipped++
		}
	}
	s.log.Info().Int("imported", res.Imported).Int("skipped", res.Skipped).Msg("verification import finished")
	return res, nil
}
