// Package screening is the intake check run when a draft is submitted for
// review. A reject keeps the bounty in drafting; anything else goes to an admin.
package screening

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"bountyline/internal/config"
	"bountyline/internal/domain"
)

type Draft struct {
	Title       string
	Description string
}

type Result struct {
	Decision domain.ScreeningDecision `json:"decision"`
	Signals  []string                 `json:"signals,omitempty"`
}

type Screener interface {
	Screen(ctx context.Context, d Draft) (Result, error)
}

// RuleScreener matches configured terms against the draft text.
type RuleScreener struct {
	RejectTerms          []string
	ReviewTerms          []string
	MinDescriptionLength int
}

func NewRuleScreener(cfg config.Screening) RuleScreener {
	return RuleScreener{
		RejectTerms:          cfg.RejectTerms,
		ReviewTerms:          cfg.ReviewTerms,
		MinDescriptionLength: cfg.MinDescriptionLength,
	}
}

func (s RuleScreener) Screen(_ context.Context, d Draft) (Result, error) {
	text := strings.ToLower(d.Title + "\n" + d.Description)
	var res Result
	for _, term := range s.RejectTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" && strings.Contains(text, term) {
			res.Signals = append(res.Signals, "prohibited:"+term)
		}
	}
	if len(res.Signals) > 0 {
		res.Decision = domain.ScreeningReject
		return res, nil
	}
	for _, term := range s.ReviewTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" && strings.Contains(text, term) {
			res.Signals = append(res.Signals, "sensitive:"+term)
		}
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(d.Description)); n < s.MinDescriptionLength {
		res.Signals = append(res.Signals, fmt.Sprintf("short_description:%d", n))
	}
	if len(res.Signals) > 0 {
		res.Decision = domain.ScreeningManualReview
		return res, nil
	}
	res.Decision = domain.ScreeningAllow
	return res, nil
}
