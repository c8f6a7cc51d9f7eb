package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/repo"
)

func requireAdmin(actor domain.Actor, action string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Unauthenticated("actor identity required")
	}
	if !actor.HasRole(domain.RoleAdmin) {
		return domain.Forbidden("actor %s may not %s; requires admin", actor.ID, action)
	}
	return nil
}

// GrantRole gives target a platform role. Only admins may grant roles.
func (e Engine) GrantRole(ctx context.Context, actor domain.Actor, target, role string) error {
	return e.changeRole(ctx, actor, target, role, true)
}

// RevokeRole removes a platform role from target.
func (e Engine) RevokeRole(ctx context.Context, actor domain.Actor, target, role string) error {
	return e.changeRole(ctx, actor, target, role, false)
}

func (e Engine) changeRole(ctx context.Context, actor domain.Actor, target, role string, grant bool) error {
	action, evtType := "revoke roles", "rbac.role_revoked"
	if grant {
		action, evtType = "grant roles", "rbac.role_granted"
	}
	if err := requireAdmin(actor, action); err != nil {
		return err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Invalid("actor_id is required")
	}
	if !repo.ValidRole(role) {
		return domain.Invalid("unknown role %q", role)
	}
	if !grant && target == actor.ID && role == domain.RoleAdmin {
		return domain.Invalid("admins cannot revoke their own admin role")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Internal(err, "begin transaction")
	}
	defer tx.Rollback()
	if grant {
		err = e.Repo.GrantRole(ctx, tx, target, role, e.timestamp())
	} else {
		err = e.Repo.RevokeRole(ctx, tx, target, role)
	}
	if err != nil {
		return domain.Internal(err, "%s %s for %s", action, role, target)
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, evtType, "", "rbac", target, actor.ID, events.EventPayload{"role": role}); err != nil {
		return domain.Internal(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return domain.Internal(err, "commit role change")
	}
	e.Log.Info().Str("actor", actor.ID).Str("target", target).Str("role", role).Bool("grant", grant).Msg("role changed")
	return nil
}

// CreateAPIKey issues a key for owner and returns it with its plaintext
// secret. The secret is not stored and cannot be recovered later.
func (e Engine) CreateAPIKey(ctx context.Context, actor domain.Actor, owner, name string) (domain.APIKey, string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = actor.ID
	}
	if owner != actor.ID {
		if err := requireAdmin(actor, "issue api keys for other actors"); err != nil {
			return domain.APIKey{}, "", err
		}
	} else if strings.TrimSpace(actor.ID) == "" {
		return domain.APIKey{}, "", domain.Unauthenticated("actor identity required")
	}
	secret := "bl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   owner,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", domain.Internal(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", domain.Internal(err, "insert api key")
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, "apikey.created", "", "api_key", key.ID, actor.ID, events.EventPayload{"owner": owner, "name": key.Name}); err != nil {
		return domain.APIKey{}, "", domain.Internal(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", domain.Internal(err, "commit api key")
	}
	return key, secret, nil
}

// ListAPIKeys lists keys owned by owner. Admins may list any actor's keys
// and pass an empty owner to list all of them.
func (e Engine) ListAPIKeys(ctx context.Context, actor domain.Actor, owner string) ([]domain.APIKey, error) {
	if owner != actor.ID {
		if err := requireAdmin(actor, "list api keys of other actors"); err != nil {
			return nil, err
		}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, owner)
	if err != nil {
		return nil, domain.Internal(err, "list api keys")
	}
	return keys, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, actor domain.Actor, id string) error {
	if err := requireAdmin(actor, "delete api keys"); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFound("api key %s not found", id)
		}
		return domain.Internal(err, "delete api key %s", id)
	}
	return nil
}
