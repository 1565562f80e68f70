package txn

// Default fee parameters: 1% with a 0.05 unit floor.
const (
	DefaultFeeRateBps = 100
	DefaultFeeFloor   = 50_000
)

// FeePolicy computes the settlement fee in micro-units.
type FeePolicy struct {
	RateBps    int64
	FloorMicro int64
}

// DefaultFeePolicy returns the 1% / 50_000 micro policy.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{RateBps: DefaultFeeRateBps, FloorMicro: DefaultFeeFloor}
}

// Fee returns max(amount * rate, floor), rounding the proportional part down.
// The split multiplication keeps large amounts from overflowing int64.
func (p FeePolicy) Fee(amount int64) int64 {
	proportional := (amount/10_000)*p.RateBps + (amount%10_000)*p.RateBps/10_000
	return max(proportional, p.FloorMicro)
}
