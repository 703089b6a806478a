package entitlement

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
)

// Store is the subset of store.Store the engine depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	GetEntitlementForUpdate(ctx context.Context, tx *sqlx.Tx, orgID, userID, productID string, source model.BillingSource) (*model.Entitlement, error)
	CreateEntitlement(ctx context.Context, tx *sqlx.Tx, e *model.Entitlement) error
	CompareAndSwapEntitlement(ctx context.Context, tx *sqlx.Tx, e *model.Entitlement, fromState model.EntitlementState) (bool, error)
	AppendStateTransition(ctx context.Context, tx *sqlx.Tx, entitlementID string, t model.StateTransition) error
}

type Engine struct {
	store Store
	log   *logging.Logger
}

func New(store Store, log *logging.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// ErrNoTransition is returned (non-fatally) when the event's (state, type)
// pair is not in the transition table. The pipeline treats this as a
// successfully handled no-op, not a failure.
//
// ErrOptimisticLockLost is returned when a concurrent writer already moved
// the entitlement's state; per spec §4.5, the caller must NOT retry inline —
// the queue's own redelivery will re-fetch and re-evaluate.
type (
	noTransitionError struct{}
	lockLostError     struct{}
)

func (noTransitionError) Error() string { return "entitlement: no transition defined for event" }
func (lockLostError) Error() string     { return "entitlement: optimistic lock lost, will be retried" }

var (
	ErrNoTransition       error = noTransitionError{}
	ErrOptimisticLockLost error = lockLostError{}
)

// Apply processes ev against the entitlement for (orgID, userID, productID, source),
// implementing spec §4.5's six processing steps. It returns the resulting
// Entitlement on a real or reflexive transition, ErrNoTransition for an
// absent cell (not a failure), or ErrOptimisticLockLost if a concurrent
// writer raced ahead (the queue should redeliver, not retry inline).
func (e *Engine) Apply(ctx context.Context, ev *model.CanonicalEvent) (*model.Entitlement, error) {
	if ev.UserID == nil || ev.ProductID == nil {
		return nil, nil // step 1: nothing to do without a resolved user/product
	}
	orgID, userID, productID := ev.OrgID, *ev.UserID, *ev.ProductID

	var result *model.Entitlement
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		ent, err := e.store.GetEntitlementForUpdate(ctx, tx, orgID, userID, productID, ev.Source)
		if apperr.IsNotFound(err) {
			ent = &model.Entitlement{
				OrgID: orgID, UserID: userID, ProductID: productID, Source: ev.Source,
				State: model.StateInactive,
			}
			if err := e.store.CreateEntitlement(ctx, tx, ent); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		to, defined := Lookup(ent.State, ev.EventType)
		if !defined {
			if ev.Status != model.EventStatusFailed {
				e.log.WithFields(map[string]any{
					"org_id": orgID, "user_id": userID, "product_id": productID,
					"state": ent.State, "event_type": ev.EventType,
				}).Warn("entitlement: unmapped (state, event) pair")
			}
			result = ent
			return ErrNoTransition
		}

		from := ent.State
		applyPeriodBounds(ent, ev)
		ent.State = to
		ent.LastEventID = ev.ID

		ok, err := e.store.CompareAndSwapEntitlement(ctx, tx, ent, from)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOptimisticLockLost
		}
		result = ent

		return e.store.AppendStateTransition(ctx, tx, ent.ID, model.StateTransition{
			From: from, To: to, EventType: ev.EventType, EventID: ev.ID, Timestamp: time.Now(),
		})
	})

	if err == ErrNoTransition {
		return result, ErrNoTransition
	}
	if err != nil {
		if err == ErrOptimisticLockLost {
			return nil, ErrOptimisticLockLost
		}
		return nil, err
	}
	return result, nil
}

// applyPeriodBounds updates period bounds, billingInterval, and planTier
// from the event, preserving prior values where the event doesn't carry them
// (spec §4.5 step 5).
func applyPeriodBounds(ent *model.Entitlement, ev *model.CanonicalEvent) {
	if ev.ExternalSubscriptionID != "" {
		ent.ExternalSubscriptionID = ev.ExternalSubscriptionID
	}
	if ev.CurrentPeriodStart != nil {
		ent.CurrentPeriodStart = ev.CurrentPeriodStart
	}
	if ev.CurrentPeriodEnd != nil {
		ent.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}
	if ev.TrialStartedAt != nil {
		ent.TrialEnd = ev.ExpirationTime
	}
	if ev.BillingInterval != "" {
		ent.BillingInterval = ev.BillingInterval
	}
	if ev.PlanTier != "" {
		ent.PlanTier = ev.PlanTier
	}
}
