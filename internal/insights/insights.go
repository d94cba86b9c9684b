// Package insights answers natural-language questions about a tenant's
// stored metrics with a text generation model.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxQuestionLength bounds a question in characters.
const MaxQuestionLength = 2000

var (
	ErrEmptyQuestion    = errors.New("insights: question is required")
	ErrQuestionTooLong  = fmt.Errorf("insights: question exceeds %d characters", MaxQuestionLength)
	ErrGenerationFailed = errors.New("insights: generation failed")
)

// Generator is a text-in, text-out model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reader is the part of the store an answer is grounded on.
type Reader interface {
	store.MetricReader
	ListDataSources(ctx context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error)
}

// Answer is returned to the caller.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Service grounds questions in stored data and asks the generator.
type Service struct {
	store Reader
	gen   Generator
	log   zerolog.Logger
}

func NewService(s Reader, gen Generator, log zerolog.Logger) *Service {
	return &Service{store: s, gen: gen, log: log}
}

// Answer builds a prompt from the principal's category totals and data
// sources and returns the model's reply. Looking up an unknown principal
// never provisions a tenant.
func (s *Service) Answer(ctx context.Context, principal, question string) (*Answer, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, tenant.ErrEmptyPrincipal
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return nil, ErrQuestionTooLong
	}

	tenantID := tenant.DeriveID(principal)

	totals, err := s.store.CategoryTotals(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("Answer: category totals: %w", err)
	}
	sources, err := s.store.ListDataSources(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("Answer: list data sources: %w", err)
	}

	prompt := BuildPrompt(question, totals, sources)

	text, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("Insight generation failed")
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	text = cleanModelText(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response from model", ErrGenerationFailed)
	}

	s.log.Info().
		Str("tenant_id", tenantID.String()).
		Int("categories", len(totals)).
		Int("data_sources", len(sources)).
		Msg("Answered question")

	return &Answer{Question: question, Answer: text}, nil
}

// cleanModelText strips Markdown fences the model may wrap its reply in.
func cleanModelText(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return ""
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
