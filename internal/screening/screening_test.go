package screening_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/screening"
)

func TestRuleScreener(t *testing.T) {
	s := screening.NewRuleScreener(config.Default().Screening)
	ctx := context.Background()

	cases := []struct {
		name    string
		draft   screening.Draft
		want    domain.ScreeningDecision
		signals []string
	}{
		{
			name:  "allow",
			draft: screening.Draft{Title: "Soil microbiome survey", Description: "Sequence 200 soil samples across three climate zones and publish the data."},
			want:  domain.ScreeningAllow,
		},
		{
			name:    "review",
			draft:   screening.Draft{Title: "Sleep study", Description: "A small clinical trial measuring sleep quality in shift workers over six weeks."},
			want:    domain.ScreeningManualReview,
			signals: []string{"sensitive:clinical trial"},
		},
		{
			name:    "short",
			draft:   screening.Draft{Title: "Quick", Description: "Do it."},
			want:    domain.ScreeningManualReview,
			signals: []string{"short_description:6"},
		},
		{
			name:    "reject wins over review",
			draft:   screening.Draft{Title: "Pathogen enhancement clinical trial", Description: "This description is long enough to pass the length check."},
			want:    domain.ScreeningReject,
			signals: []string{"prohibited:pathogen enhancement"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.Screen(ctx, tc.draft)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Decision)
			assert.Equal(t, tc.signals, res.Signals)
		})
	}
}
