// Package exchange converts between the fiat reference unit that ledger
// values are denominated in and the native unit that settlements are paid in.
package exchange

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/medichain/medichain/internal/ledger"
)

// Rate is the fiat value of one native unit. The zero Rate is invalid.
type Rate struct {
	r *big.Rat
}

// ParseRate parses a positive decimal such as "1850.25".
func ParseRate(s string) (Rate, error) {
	r, ok := parsePositive(s)
	if !ok {
		return Rate{}, fmt.Errorf("%w: rate %q", ledger.ErrInvalidInput, s)
	}
	return Rate{r: r}, nil
}

// MustParseRate is ParseRate for constants; it panics on bad input.
func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) IsZero() bool { return r.r == nil }

func (r Rate) String() string {
	if r.r == nil {
		return "0"
	}
	return trimDecimal(r.r.FloatString(18))
}

// nativeDecimals is the precision of the native unit. Amounts finer than
// this cannot be stored and are rejected.
const nativeDecimals = 18

// Native is an amount of the native settlement unit.
type Native struct {
	v *big.Rat
}

// ParseNative parses a positive decimal native amount of at most
// nativeDecimals fractional digits.
func ParseNative(s string) (Native, error) {
	v, ok := parsePositive(s)
	if !ok || !fitsDecimals(v, nativeDecimals) {
		return Native{}, fmt.Errorf("%w: native amount %q", ledger.ErrInvalidAmount, s)
	}
	return Native{v: v}, nil
}

func (n Native) String() string {
	if n.v == nil {
		return "0"
	}
	return trimDecimal(n.v.FloatString(nativeDecimals))
}

// Covers reports whether native, converted at rate, is worth at least fiat.
// The comparison is exact.
func Covers(native Native, rate Rate, fiat int64) bool {
	if native.v == nil || rate.r == nil {
		return false
	}
	worth := new(big.Rat).Mul(native.v, rate.r)
	return worth.Cmp(new(big.Rat).SetInt64(fiat)) >= 0
}

// fitsDecimals reports whether v has an exact representation with at most
// n fractional digits.
func fitsDecimals(v *big.Rat, n int) bool {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	return new(big.Rat).Mul(v, new(big.Rat).SetInt(scale)).IsInt()
}

func parsePositive(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "/eE") {
		return nil, false
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

func trimDecimal(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
