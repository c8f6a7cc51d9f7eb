package rails

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Manual is an off-platform rail: an operator moves funds by hand and records
// the reference. Verification only checks that a reference was supplied.
type Manual struct{}

func NewManual() Manual { return Manual{} }

func (Manual) Name() string { return "manual" }

func (Manual) InitializeDeposit(_ context.Context, bountyID, _ string, amount int64) (Deposit, error) {
	if amount <= 0 {
		return Deposit{}, fmt.Errorf("deposit amount must be positive")
	}
	return Deposit{Address: "manual:" + bountyID, ExpectedAmount: amount}, nil
}

func (Manual) VerifyDeposit(_ context.Context, txRef string, _ int64) error {
	if strings.TrimSpace(txRef) == "" {
		return fmt.Errorf("deposit reference required")
	}
	return nil
}

func (Manual) ReleaseFunds(_ context.Context, _ string, amount int64, _ string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("release amount must be positive")
	}
	return "manual-" + uuid.NewString(), nil
}
