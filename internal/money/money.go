// Package money provides exact-precision token amount handling using
// arbitrary-precision integer arithmetic. Amounts are stored as the
// smallest on-chain unit (atomic units) of whatever token they denominate,
// and must fit in [0, 2^256).
package money

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// MaxBound is the exclusive upper bound on any valid Amount: 2^256.
var MaxBound = new(big.Int).Lsh(big.NewInt(1), 256)

// Amount represents a non-negative token quantity in atomic units, exact to
// arbitrary precision. The zero value is not usable; construct with New,
// FromString, or FromBigInt.
type Amount struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{v: big.NewInt(0)}
}

// New constructs an Amount from an int64. Panics if negative; callers with
// untrusted input should use FromString instead.
func New(v int64) Amount {
	if v < 0 {
		panic("money: negative amount")
	}
	return Amount{v: big.NewInt(v)}
}

// FromBigInt constructs an Amount from a *big.Int, validating the range
// invariant (non-negative, strictly less than 2^256). The input is copied;
// the caller's big.Int is not retained.
func FromBigInt(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, fmt.Errorf("money: nil amount")
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("money: negative amount %s", v.String())
	}
	if v.Cmp(MaxBound) >= 0 {
		return Amount{}, fmt.Errorf("money: amount %s exceeds 2^256", v.String())
	}
	return Amount{v: new(big.Int).Set(v)}, nil
}

// FromString parses a base-10 non-negative integer string (the wire format
// used throughout the x402 payload: amounts travel as decimal strings, not
// JSON numbers, to avoid float precision loss).
func FromString(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("money: %q is not a base-10 integer", s)
	}
	return FromBigInt(v)
}

// BigInt returns a copy of the underlying *big.Int.
func (a Amount) BigInt() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.v)
}

// String renders the amount as a base-10 integer string.
func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Cmp compares two amounts the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int {
	return a.BigInt().Cmp(b.BigInt())
}

// Add returns a+b. The caller is responsible for range-checking the result
// if it crosses a trust boundary (internal arithmetic on already-validated
// amounts never overflows 2^256 in this package's call sites).
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.BigInt(), b.BigInt())}
}

// Sub returns a-b. Panics if the result would be negative, since every
// caller in this module first ensures b <= a (fee <= amount).
func (a Amount) Sub(b Amount) Amount {
	r := new(big.Int).Sub(a.BigInt(), b.BigInt())
	if r.Sign() < 0 {
		panic("money: subtraction underflow")
	}
	return Amount{v: r}
}

// MarshalJSON outputs the amount as a quoted decimal string, matching the
// wire convention of every x402 payload field ("amount", "maxAmountRequired",
// "value"): JSON numbers cannot carry uint256 precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements database/sql/driver.Valuer, storing the amount as its
// decimal string (a NUMERIC column holds arbitrary precision; TEXT also
// works and avoids a driver-specific numeric type dependency).
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements database/sql.Scanner.
func (a *Amount) Scan(src any) error {
	if a == nil {
		return fmt.Errorf("money: scan into nil *Amount")
	}
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		parsed, err := FromBigInt(big.NewInt(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}

// BasisPoints is a fee rate expressed in 1/10,000ths; 100 == 1%.
type BasisPoints int32

// MaxBasisPoints is the system-wide fee ceiling (10%), matching the
// on-chain splitter contract's cap.
const MaxBasisPoints BasisPoints = 1000

// Clamp bounds bps to [0, MaxBasisPoints].
func (bps BasisPoints) Clamp() BasisPoints {
	if bps < 0 {
		return 0
	}
	if bps > MaxBasisPoints {
		return MaxBasisPoints
	}
	return bps
}

// NetAndFee computes fee = floor(amount * bps / 10000), net = amount - fee,
// using the same floor-toward-zero integer division as the on-chain
// splitter contract, so off-chain and on-chain arithmetic never diverge.
// feeBps is clamped to [0, MaxBasisPoints], discountBps is subtracted from
// it, and the result is clamped to [0, MaxBasisPoints] again, so a discount
// at or above the fee rate yields a zero fee.
func NetAndFee(amount Amount, feeBps, discountBps BasisPoints) (net Amount, fee Amount) {
	effective := feeBps.Clamp() - discountBps
	if effective < 0 {
		effective = 0
	}
	if effective > MaxBasisPoints {
		effective = MaxBasisPoints
	}
	feeBig := new(big.Int).Mul(amount.BigInt(), big.NewInt(int64(effective)))
	feeBig.Div(feeBig, big.NewInt(10000))
	feeAmt, err := FromBigInt(feeBig)
	if err != nil {
		// amount < 2^256 and bps <= 1000 together bound the product well
		// under 2^256 * 1000, which Div brings back under 2^256; this path
		// is unreachable for valid inputs.
		panic(err)
	}
	return amount.Sub(feeAmt), feeAmt
}
