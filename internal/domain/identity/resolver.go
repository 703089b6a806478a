// Package identity resolves the provider-issued identity hints a normalizer
// extracts from a webhook payload down to a single RevBack user, merging
// accounts when a later event links hints that were previously bound to
// different users (spec §4.2).
package identity

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/audit"
	"github.com/revback/core/internal/model"
)

// Store is the subset of store.Store the resolver depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	FindIdentity(ctx context.Context, orgID string, source model.BillingSource, idType, externalID string) (*model.UserIdentity, error)
	BindIdentity(ctx context.Context, tx *sqlx.Tx, ident *model.UserIdentity) error
	RebindIdentities(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error
	RebindUserOwnedRecords(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error
	DeleteUser(ctx context.Context, tx *sqlx.Tx, orgID, userID string) error
	CreateUserTx(ctx context.Context, tx *sqlx.Tx, u *model.User) error
	GetUser(ctx context.Context, orgID, userID string) (*model.User, error)
}

type Resolver struct {
	store Store
	audit *audit.Logger
}

func New(store Store, auditLogger *audit.Logger) *Resolver {
	return &Resolver{store: store, audit: auditLogger}
}

// Resolve maps a set of identity hints extracted from one event to a single
// user, creating or merging users as needed (spec §4.2):
//
//  1. look up every hint; if none bind to an existing user, create one and
//     bind every hint to it.
//  2. if exactly one distinct user is found, bind any still-unbound hints to
//     it (a new device/provider linked to a known customer).
//  3. if more than one distinct user is found, merge them: the oldest user
//     survives, every other user's identities and owned records are
//     re-parented onto it, the losers are deleted, and a user.merged audit
//     record is emitted.
func (r *Resolver) Resolve(ctx context.Context, orgID string, hints []model.IdentityHint) (userID string, err error) {
	if len(hints) == 0 {
		return "", apperr.Validation("identity: no hints to resolve")
	}

	matches := map[string]*model.UserIdentity{} // userID -> the identity row that matched
	unbound := []model.IdentityHint{}
	for _, h := range hints {
		ident, err := r.store.FindIdentity(ctx, orgID, h.Source, h.IDType, h.ExternalID)
		if apperr.IsNotFound(err) {
			unbound = append(unbound, h)
			continue
		}
		if err != nil {
			return "", err
		}
		matches[ident.UserID] = ident
	}

	switch len(matches) {
	case 0:
		return r.createAndBind(ctx, orgID, hints)
	case 1:
		var uid string
		for uid = range matches {
		}
		if len(unbound) > 0 {
			if err := r.bindAll(ctx, orgID, uid, unbound); err != nil {
				return "", err
			}
		}
		return uid, nil
	default:
		survivor, err := r.merge(ctx, orgID, matches)
		if err != nil {
			return "", err
		}
		if len(unbound) > 0 {
			if err := r.bindAll(ctx, orgID, survivor, unbound); err != nil {
				return "", err
			}
		}
		return survivor, nil
	}
}

func (r *Resolver) createAndBind(ctx context.Context, orgID string, hints []model.IdentityHint) (string, error) {
	userID := uuid.NewString()
	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.store.CreateUserTx(ctx, tx, &model.User{ID: userID, OrgID: orgID}); err != nil {
			return err
		}
		for _, h := range hints {
			if err := r.store.BindIdentity(ctx, tx, &model.UserIdentity{
				UserID: userID, OrgID: orgID, Source: h.Source, IDType: h.IDType, ExternalID: h.ExternalID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *Resolver) bindAll(ctx context.Context, orgID, userID string, hints []model.IdentityHint) error {
	return r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, h := range hints {
			if err := r.store.BindIdentity(ctx, tx, &model.UserIdentity{
				UserID: userID, OrgID: orgID, Source: h.Source, IDType: h.IDType, ExternalID: h.ExternalID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// merge combines the distinct users referenced by matches into one,
// idempotently under retry: once the losers' rows are gone, a redelivered
// event resolves straight to the survivor via its now-rebound identities and
// takes the single-match path instead.
func (r *Resolver) merge(ctx context.Context, orgID string, matches map[string]*model.UserIdentity) (string, error) {
	userIDs := make([]string, 0, len(matches))
	for uid := range matches {
		userIDs = append(userIDs, uid)
	}

	users := make([]*model.User, 0, len(userIDs))
	for _, uid := range userIDs {
		u, err := r.store.GetUser(ctx, orgID, uid)
		if err != nil {
			return "", err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	survivor := users[0]
	losers := users[1:]

	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, loser := range losers {
			if err := r.store.RebindIdentities(ctx, tx, orgID, loser.ID, survivor.ID); err != nil {
				return err
			}
			if err := r.store.RebindUserOwnedRecords(ctx, tx, orgID, loser.ID, survivor.ID); err != nil {
				return err
			}
			if err := r.store.DeleteUser(ctx, tx, orgID, loser.ID); err != nil {
				return err
			}
			if r.audit != nil {
				if err := r.audit.RecordTx(ctx, tx, orgID, audit.ActorSystem, "", "user.merged", "user", survivor.ID, map[string]any{
					"merged_user_id": loser.ID,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return survivor.ID, nil
}
