package domain

type RejectReason string

const (
	RejectLeaderIneligible    RejectReason = "leader_ineligible"
	RejectPoolTooThin         RejectReason = "pool_too_thin"
	RejectStaleSnapshot       RejectReason = "stale_snapshot"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectAmountBelowFloor    RejectReason = "amount_below_floor"
	RejectAmountAboveCap      RejectReason = "amount_above_cap"
	RejectCooldown            RejectReason = "cooldown"
	RejectDuplicateInFlight   RejectReason = "duplicate_in_flight"
)

// Decision is either an accepted SizedSwap or a rejection reason.
type Decision struct {
	Swap   SizedSwap
	Reason RejectReason
}

func Accept(swap SizedSwap) Decision {
	return Decision{Swap: swap}
}

func Reject(reason RejectReason) Decision {
	return Decision{Reason: reason}
}

func (d Decision) Accepted() bool {
	return d.Reason == ""
}
