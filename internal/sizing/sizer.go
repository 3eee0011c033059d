// Package sizing converts a signal's requested size into an exchange-accepted
// integer contract count.
//
// Conversion by unit type, with reference price p and contract size cs:
//
//	quote:    contracts = floor(requested / (p × cs))
//	base:     contracts = floor(requested / cs)
//	contract: contracts = floor(requested)
//
// Rounding is always toward zero — never bankers-rounded — so the order can
// only be smaller than the operator's intended margin, not larger. All
// arithmetic is decimal-exact.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp-executor/pkg/types"
)

// Contracts computes the integer contract count for a requested size.
// If the result is below the instrument minimum it is promoted to MinSize
// when roundUpToMin is set, otherwise ErrSizeTooSmall is returned.
func Contracts(spec types.ContractSpec, requested decimal.Decimal, unit types.UnitType, refPrice decimal.Decimal, roundUpToMin bool) (int64, error) {
	if requested.Sign() <= 0 {
		return 0, fmt.Errorf("%w: requested size %s", types.ErrInvalidSignal, requested)
	}
	if spec.ContractSize.Sign() <= 0 {
		return 0, fmt.Errorf("invalid contract size %s for %s", spec.ContractSize, spec.Symbol)
	}

	var contracts decimal.Decimal
	switch unit {
	case types.UnitQuote:
		if refPrice.Sign() <= 0 {
			return 0, fmt.Errorf("%w: no reference price for quote sizing", types.ErrPriceUnavailable)
		}
		contracts = requested.Div(refPrice.Mul(spec.ContractSize))
	case types.UnitBase:
		contracts = requested.Div(spec.ContractSize)
	case types.UnitContract:
		contracts = requested
	default:
		return 0, fmt.Errorf("%w: unknown unit type %q", types.ErrInvalidSignal, unit)
	}

	// Truncate toward zero.
	n := contracts.IntPart()

	if n < spec.MinSize {
		if roundUpToMin {
			return spec.MinSize, nil
		}
		return 0, fmt.Errorf("%w: %d contracts < min %d for %s",
			types.ErrSizeTooSmall, n, spec.MinSize, spec.Symbol)
	}
	return n, nil
}
