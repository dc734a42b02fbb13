package resolver

import (
	"fmt"
	"log/slog"

	"github.com/roach88/possync/internal/vclock"
)

// Reasons attached to each Resolution.
const (
	ReasonServerNewer = "server has newer data"
	ReasonLocalNewer  = "local data is newer"
	ReasonControlled  = "controlled substance requires manual audit"
	ReasonMerged      = "automatic merge applied"
	ReasonDuplicate   = "duplicate delivery of already-applied state"
)

// Policy holds the configurable answers to the open policy questions.
// The zero value preserves the documented behavior.
type Policy struct {
	// GuardDominantWrites runs the controlled-substance and negative-stock
	// checks on the AFTER path as well. When both pass the disposition is
	// still ApplyLocal.
	GuardDominantWrites bool

	// EqualIsDuplicate discards EQUAL classifications as duplicate
	// deliveries instead of running the conflict policy.
	EqualIsDuplicate bool
}

// Resolver applies Policy to offline mutations. It is stateless and safe for
// concurrent use.
type Resolver struct {
	policy Policy
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets the policy. Default: Policy{}.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) {
		r.policy = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// Policy returns the policy the resolver was built with.
func (r *Resolver) Policy() Policy {
	return r.policy
}

var defaultResolver = New()

// Resolve resolves with the default policy. See (*Resolver).Resolve.
func Resolve(local OfflineMutation, server ServerSnapshot) (Resolution, error) {
	return defaultResolver.Resolve(local, server)
}

// Resolve decides the disposition of local against server.
//
// The only error is a *PreconditionError when the snapshot describes a
// different product than the mutation. Every other input, including empty
// clocks and zero deltas, yields a Resolution.
func (r *Resolver) Resolve(local OfflineMutation, server ServerSnapshot) (Resolution, error) {
	if local.ProductID != server.ProductID {
		return Resolution{}, newProductMismatch(local, server)
	}

	causality := local.Clock.Compare(server.Clock)
	r.log().Debug("causality classified",
		"mutation_id", local.MutationID,
		"product_id", local.ProductID,
		"local_clock", local.Clock.String(),
		"server_clock", server.Clock.String(),
		"causality", causality.String(),
	)

	switch causality {
	case vclock.Before:
		return Resolution{
			Disposition: DiscardLocal,
			Causality:   causality,
			Reason:      ReasonServerNewer,
		}, nil

	case vclock.After:
		if r.policy.GuardDominantWrites {
			if res, escalated := r.checkSafety(local, server, causality); escalated {
				return res, nil
			}
		}
		projected := server.CurrentStock - local.QuantityDelta
		return Resolution{
			Disposition:    ApplyLocal,
			Causality:      causality,
			Reason:         ReasonLocalNewer,
			ProjectedStock: &projected,
		}, nil

	case vclock.Equal:
		if r.policy.EqualIsDuplicate {
			return Resolution{
				Disposition: DiscardLocal,
				Causality:   causality,
				Reason:      ReasonDuplicate,
			}, nil
		}
	}

	// EQUAL and CONCURRENT.
	return r.resolveConflict(local, server, causality), nil
}

// resolveConflict runs the conflict policy for EQUAL and CONCURRENT clocks.
func (r *Resolver) resolveConflict(local OfflineMutation, server ServerSnapshot, causality vclock.Causality) Resolution {
	if res, escalated := r.checkSafety(local, server, causality); escalated {
		return res
	}

	projected := server.CurrentStock - local.QuantityDelta
	merged := local.Clock.Merge(server.Clock)

	r.log().Info("conflict resolved by automatic merge",
		"mutation_id", local.MutationID,
		"product_id", local.ProductID,
		"projected_stock", projected,
		"merged_clock", merged.String(),
	)

	return Resolution{
		Disposition:    Merge,
		Causality:      causality,
		Reason:         ReasonMerged,
		MergedClock:    &merged,
		ProjectedStock: &projected,
	}
}

// checkSafety applies the controlled-substance rule and then the
// negative-stock rule. The controlled-substance rule always wins.
func (r *Resolver) checkSafety(local OfflineMutation, server ServerSnapshot, causality vclock.Causality) (Resolution, bool) {
	if local.ControlledSubstance {
		r.log().Warn("controlled substance conflict requires manual intervention",
			"mutation_id", local.MutationID,
			"product_id", local.ProductID,
			"device_id", local.DeviceID,
		)
		return Resolution{
			Disposition:   ManualIntervention,
			Causality:     causality,
			Reason:        ReasonControlled,
			RequiresAudit: true,
		}, true
	}

	projected := server.CurrentStock - local.QuantityDelta
	if projected < 0 {
		r.log().Warn("conflict would result in negative stock",
			"mutation_id", local.MutationID,
			"product_id", local.ProductID,
			"projected_stock", projected,
		)
		return Resolution{
			Disposition:    ManualIntervention,
			Causality:      causality,
			Reason:         NegativeStockReason(projected),
			ProjectedStock: &projected,
		}, true
	}

	return Resolution{}, false
}

// NegativeStockReason formats the reason for a negative-stock escalation.
func NegativeStockReason(projected int64) string {
	return fmt.Sprintf("operation would result in negative stock (%d)", projected)
}
