// Package entitlement implements the per (org, user, product, source)
// finite state machine driven by canonical events (spec §4.5). The
// transition table is reproduced verbatim from the specification; any
// (state, eventType) pair absent from it is a no-op.
package entitlement

import "github.com/revback/core/internal/model"

type cell struct {
	from model.EntitlementState
	evt  model.EventType
}

// stay is a sentinel meaning "transition to the same state, but still
// append a history entry" (spec §4.5: "stay" transitions are semantically
// meaningful).
const stay = model.EntitlementState("__stay__")

var transitionTable = map[cell]model.EntitlementState{
	{model.StateInactive, model.EventPurchase}:      model.StateActive,
	{model.StateInactive, model.EventTrialStart}:     model.StateTrial,
	{model.StateInactive, model.EventRenewal}:        model.StateActive,
	{model.StateInactive, model.EventOfferRedeemed}:  model.StateActive,

	{model.StateTrial, model.EventPurchase}:          model.StateActive,
	{model.StateTrial, model.EventTrialConversion}:   model.StateActive,
	{model.StateTrial, model.EventCancellation}:      stay,
	{model.StateTrial, model.EventExpiration}:        model.StateExpired,
	{model.StateTrial, model.EventRefund}:            model.StateRefunded,

	{model.StateActive, model.EventRenewal}:          stay,
	{model.StateActive, model.EventCancellation}:     stay,
	{model.StateActive, model.EventGracePeriodStart}: model.StateGracePeriod,
	{model.StateActive, model.EventBillingRetry}:     model.StateBillingRetry,
	{model.StateActive, model.EventExpiration}:       model.StateExpired,
	{model.StateActive, model.EventRefund}:           model.StateRefunded,
	{model.StateActive, model.EventChargeback}:       model.StateRefunded,
	{model.StateActive, model.EventRevoke}:           model.StateRevoked,
	{model.StateActive, model.EventPause}:            model.StatePaused,
	{model.StateActive, model.EventUpgrade}:          stay,
	{model.StateActive, model.EventDowngrade}:        stay,
	{model.StateActive, model.EventCrossgrade}:       stay,
	{model.StateActive, model.EventPriceChange}:      stay,

	{model.StateGracePeriod, model.EventRenewal}:          model.StateActive,
	{model.StateGracePeriod, model.EventGracePeriodEnd}:   model.StateBillingRetry,
	{model.StateGracePeriod, model.EventBillingRetry}:     model.StateBillingRetry,
	{model.StateGracePeriod, model.EventExpiration}:       model.StateExpired,
	{model.StateGracePeriod, model.EventRefund}:           model.StateRefunded,

	{model.StateBillingRetry, model.EventRenewal}:     model.StateActive,
	{model.StateBillingRetry, model.EventBillingRetry}: stay,
	{model.StateBillingRetry, model.EventExpiration}:   model.StateExpired,
	{model.StateBillingRetry, model.EventRefund}:       model.StateRefunded,

	{model.StatePastDue, model.EventPurchase}:   model.StateActive,
	{model.StatePastDue, model.EventRenewal}:     model.StateActive,
	{model.StatePastDue, model.EventExpiration}: model.StateExpired,

	{model.StatePaused, model.EventCancellation}: model.StateExpired,
	{model.StatePaused, model.EventExpiration}:    model.StateExpired,
	{model.StatePaused, model.EventResume}:        model.StateActive,

	{model.StateExpired, model.EventPurchase}:        model.StateActive,
	{model.StateExpired, model.EventTrialStart}:       model.StateTrial,
	{model.StateExpired, model.EventRenewal}:          model.StateActive,
	{model.StateExpired, model.EventOfferRedeemed}:    model.StateActive,

	{model.StateRevoked, model.EventPurchase}: model.StateActive,

	{model.StateRefunded, model.EventPurchase}: model.StateActive,
}

// Lookup returns the destination state for (from, evt) and whether a
// transition is defined at all. When defined==true and the returned state
// equals from, the transition is a reflexive "stay" that still appends to
// history.
func Lookup(from model.EntitlementState, evt model.EventType) (to model.EntitlementState, defined bool) {
	dest, ok := transitionTable[cell{from, evt}]
	if !ok {
		return "", false
	}
	if dest == stay {
		return from, true
	}
	return dest, true
}

// HasAccess implements the access predicate of spec §4.5. paused and
// past_due deny access per this codebase's convention (spec §9 Open
// Questions: paused access is a hard-coded "no").
func HasAccess(state model.EntitlementState) bool {
	switch state {
	case model.StateTrial, model.StateActive, model.StateGracePeriod, model.StateBillingRetry:
		return true
	default:
		return false
	}
}
