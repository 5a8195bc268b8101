package ledger

import (
	"math"

	"github.com/holiman/uint256"

	"bountyline/internal/domain"
)

// MaxFeeBps is 100% expressed in basis points.
const MaxFeeBps = 10000

// MaxAmount is the largest amount the SQL store can hold.
const MaxAmount = uint64(math.MaxInt64)

// ComputeSplit divides a bounty into the worker payout and the platform fee.
// fee = floor(bounty*feeBps/10000), payout = bounty-fee. The product is
// computed in 256 bits so it never wraps. Fees above 100% are InvalidFee.
func ComputeSplit(bounty uint64, feeBps uint16) (payout, fee uint64, err error) {
	if feeBps > MaxFeeBps {
		return 0, 0, domain.ErrInvalidFee.WithMessage("fee_bps %d exceeds %d", feeBps, MaxFeeBps)
	}
	product := new(uint256.Int).Mul(uint256.NewInt(bounty), uint256.NewInt(uint64(feeBps)))
	q := new(uint256.Int).Div(product, uint256.NewInt(MaxFeeBps))
	if !q.IsUint64() || q.Uint64() > bounty {
		return 0, 0, domain.ErrArithmeticOverflow.WithMessage("fee %s exceeds bounty %d", q.ToBig().String(), bounty)
	}
	fee = q.Uint64()
	return bounty - fee, fee, nil
}

// CheckedAdd returns a+b or ArithmeticOverflow when the sum leaves the
// storable range.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := new(uint256.Int).Add(uint256.NewInt(a), uint256.NewInt(b))
	if !sum.IsUint64() || sum.Uint64() > MaxAmount {
		return 0, domain.ErrArithmeticOverflow.WithMessage("%d + %d overflows", a, b)
	}
	return sum.Uint64(), nil
}

// CheckAmount rejects amounts that cannot be stored.
func CheckAmount(v uint64) error {
	if v > MaxAmount {
		return domain.ErrInvalidAmount.WithMessage("amount %d exceeds %d", v, MaxAmount)
	}
	return nil
}
