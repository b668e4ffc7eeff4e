// Package escrow implements the Escrow State Machine (spec §4.7):
// deterministic payment state transitions with integer-precise,
// floating-point-free fee arithmetic.
//
// Grounded near line-for-line on
// original_source/crates/molt-token/src/escrow.rs's
// calculate_fee_lamports and state-transition guards.
package escrow

import (
	"math/bits"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
)

// MaxFeeRateBps is the maximum allowed fee rate (100%).
const MaxFeeRateBps uint32 = 10_000

// DefaultFeeRateBps is the fee rate used when a caller does not specify
// one: 5%.
const DefaultFeeRateBps uint32 = 500

// DefaultDuration is how long a freshly created escrow remains valid
// before it is eligible for mark_expired.
const DefaultDuration = 24 * time.Hour

// CalculateFee computes floor(amount * rateBps / 10_000) using a 128-bit
// intermediate product (via bits.Mul64/bits.Div64) so no overflow occurs
// for any uint64 amount. No floating-point arithmetic appears anywhere in
// this path.
func CalculateFee(amount uint64, rateBps uint32) uint64 {
	hi, lo := bits.Mul64(amount, uint64(rateBps))
	// hi < 10_000 is guaranteed for any uint64 amount and rateBps <=
	// 10_000, so the quotient fits in 64 bits and Div64 will not panic.
	q, _ := bits.Div64(hi, lo, 10_000)
	return q
}

// CalculatePayout returns amount minus the fee for rateBps, saturating at
// zero (never underflows in practice since fee <= amount is guaranteed
// for valid rates).
func CalculatePayout(amount uint64, rateBps uint32) uint64 {
	fee := CalculateFee(amount, rateBps)
	if fee > amount {
		return 0
	}
	return amount - fee
}

// New constructs a fresh Escrow in the Creating state. Returns an error if
// rateBps exceeds MaxFeeRateBps.
func New(id v1.EscrowID, buyer, provider, jobID string, amountLamports uint64, rateBps uint32, now time.Time) (v1.Escrow, error) {
	if rateBps > MaxFeeRateBps {
		return v1.Escrow{}, &errtax.EscrowError{ID: id, From: v1.EscrowCreating, Action: "create: rate_bps exceeds 10000"}
	}
	return v1.Escrow{
		ID:             id,
		Buyer:          buyer,
		Provider:       provider,
		AmountLamports: amountLamports,
		FeeRateBps:     rateBps,
		State:          v1.EscrowCreating,
		JobID:          jobID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(DefaultDuration),
	}, nil
}

// Fee returns the escrow's fee in base units.
func Fee(e v1.Escrow) uint64 { return CalculateFee(e.AmountLamports, e.FeeRateBps) }

// Payout returns the escrow's payout in base units.
func Payout(e v1.Escrow) uint64 { return CalculatePayout(e.AmountLamports, e.FeeRateBps) }

func transitionErr(e v1.Escrow, action string) error {
	if e.State.Terminal() {
		return &errtax.EscrowFinalized{ID: e.ID, State: e.State}
	}
	return &errtax.EscrowError{ID: e.ID, From: e.State, Action: action}
}

// Activate transitions Creating -> Active.
func Activate(e v1.Escrow, now time.Time) (v1.Escrow, error) {
	if e.State != v1.EscrowCreating {
		return e, transitionErr(e, "activate")
	}
	e.State = v1.EscrowActive
	e.UpdatedAt = now
	return e, nil
}

// StartRelease transitions Active -> Releasing.
func StartRelease(e v1.Escrow, now time.Time) (v1.Escrow, error) {
	if e.State != v1.EscrowActive {
		return e, transitionErr(e, "start_release")
	}
	e.State = v1.EscrowReleasing
	e.UpdatedAt = now
	return e, nil
}

// StartRefund transitions Active|Disputed -> Refunding.
func StartRefund(e v1.Escrow, now time.Time) (v1.Escrow, error) {
	if e.State != v1.EscrowActive && e.State != v1.EscrowDisputed {
		return e, transitionErr(e, "start_refund")
	}
	e.State = v1.EscrowRefunding
	e.UpdatedAt = now
	return e, nil
}

// Dispute transitions Active|Releasing|Refunding -> Disputed.
func Dispute(e v1.Escrow, reason string, now time.Time) (v1.Escrow, error) {
	switch e.State {
	case v1.EscrowActive, v1.EscrowReleasing, v1.EscrowRefunding:
		e.State = v1.EscrowDisputed
		e.DisputeReason = &reason
		e.UpdatedAt = now
		return e, nil
	default:
		return e, transitionErr(e, "dispute")
	}
}

// CompleteRelease transitions Releasing -> Released (terminal).
func CompleteRelease(e v1.Escrow, sig string, now time.Time) (v1.Escrow, error) {
	if e.State != v1.EscrowReleasing {
		return e, transitionErr(e, "complete_release")
	}
	e.State = v1.EscrowReleased
	e.ReleaseSig = &sig
	e.UpdatedAt = now
	return e, nil
}

// CompleteRefund transitions Refunding -> Refunded (terminal).
func CompleteRefund(e v1.Escrow, sig string, now time.Time) (v1.Escrow, error) {
	if e.State != v1.EscrowRefunding {
		return e, transitionErr(e, "complete_refund")
	}
	e.State = v1.EscrowRefunded
	e.RefundSig = &sig
	e.UpdatedAt = now
	return e, nil
}

// MarkExpired transitions any non-terminal state -> Expired (terminal).
func MarkExpired(e v1.Escrow, now time.Time) (v1.Escrow, error) {
	if e.State.Terminal() {
		return e, &errtax.EscrowFinalized{ID: e.ID, State: e.State}
	}
	e.State = v1.EscrowExpired
	e.UpdatedAt = now
	return e, nil
}
