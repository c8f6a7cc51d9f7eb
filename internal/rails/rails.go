// Package rails defines the payment-rail collaborator used by the engine to
// open deposits, verify them and release funds. Rails only move money; the
// escrow ledger decides how much.
package rails

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Deposit tells the payer where to send funds and how much is expected.
type Deposit struct {
	Address        string `json:"deposit_address"`
	ExpectedAmount int64  `json:"expected_amount"`
}

type Rail interface {
	Name() string
	InitializeDeposit(ctx context.Context, bountyID, payerAddress string, amount int64) (Deposit, error)
	// VerifyDeposit checks that txRef paid the collection address within the
	// configured tolerance of expected.
	VerifyDeposit(ctx context.Context, txRef string, expected int64) error
	ReleaseFunds(ctx context.Context, escrowAddress string, amount int64, recipient string) (string, error)
}

// Registry resolves rails by name.
type Registry struct {
	rails map[string]Rail
}

func NewRegistry(rails ...Rail) *Registry {
	r := &Registry{rails: map[string]Rail{}}
	for _, rail := range rails {
		r.Register(rail)
	}
	return r
}

func (r *Registry) Register(rail Rail) {
	r.rails[rail.Name()] = rail
}

func (r *Registry) Get(name string) (Rail, error) {
	if r == nil {
		return nil, fmt.Errorf("no payment rails configured")
	}
	rail, ok := r.rails[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown payment rail %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return rail, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rails))
	for name := range r.rails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
