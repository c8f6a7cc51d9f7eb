package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// Class is a permission class named in the transition table.
type Class string

const (
	Funder     Class = "funder"
	Lab        Class = "lab"
	Admin      Class = "admin"
	Arbitrator Class = "arbitrator"
)

// ForbiddenError indicates the actor holds none of the required classes.
type ForbiddenError struct {
	ActorID  string
	Action   string
	Required []Class
}

func (e ForbiddenError) Error() string {
	names := make([]string, len(e.Required))
	for i, c := range e.Required {
		names[i] = string(c)
	}
	return fmt.Sprintf("actor %s may not %s; requires %s", e.ActorID, e.Action, strings.Join(names, " or "))
}

// Member reports whether actor belongs to class c for bounty b. Funder and lab
// are relationships to the bounty; admin and arbitrator are platform roles.
func Member(actor domain.Actor, b domain.Bounty, c Class) bool {
	switch c {
	case Funder:
		return actor.ID != "" && actor.ID == b.FunderID
	case Lab:
		return actor.ID != "" && b.LabOwnerID != nil && actor.ID == *b.LabOwnerID
	case Admin:
		return actor.HasRole(domain.RoleAdmin)
	case Arbitrator:
		return actor.HasRole(domain.RoleArbitrator)
	default:
		return false
	}
}

// Check returns an authorization error unless actor belongs to one of classes.
func Check(actor domain.Actor, b domain.Bounty, action string, classes ...Class) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Unauthenticated("actor identity required")
	}
	for _, c := range classes {
		if Member(actor, b, c) {
			return nil
		}
	}
	fe := ForbiddenError{ActorID: actor.ID, Action: action, Required: classes}
	return &domain.Error{Kind: domain.KindAuthorization, Message: fe.Error(), Err: fe}
}

// Service resolves platform roles for already-authenticated actors.
type Service struct {
	Repo repo.Repo
}

// Resolve builds an Actor from actorID, merging stored roles with extra roles
// asserted by the caller's credential (e.g. a token claim).
func (s Service) Resolve(ctx context.Context, actorID string, extra ...string) (domain.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Actor{}, domain.Unauthenticated("actor identity required")
	}
	roles, err := s.Repo.ActorRoles(ctx, actorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, domain.Internal(err, "load roles for %s", actorID)
	}
	seen := map[string]bool{}
	var merged []string
	for _, r := range append(roles, extra...) {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		merged = append(merged, r)
	}
	return domain.Actor{ID: actorID, Roles: merged}, nil
}
