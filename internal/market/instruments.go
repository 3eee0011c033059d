package market

import (
	"context"
	"fmt"
	"sync"

	"perp-executor/pkg/types"
)

// SpecFetcher is the slice of the exchange adapter the instrument cache needs.
type SpecFetcher interface {
	GetContractSpec(ctx context.Context, symbol string) (types.ContractSpec, error)
}

// Instruments caches contract specs per symbol. Specs are immutable on the
// exchange, so a fetched entry never expires.
type Instruments struct {
	fetcher SpecFetcher

	mu    sync.RWMutex
	specs map[string]types.ContractSpec
}

// NewInstruments creates an instrument cache backed by the given fetcher.
func NewInstruments(fetcher SpecFetcher) *Instruments {
	return &Instruments{
		fetcher: fetcher,
		specs:   make(map[string]types.ContractSpec),
	}
}

// Spec returns the contract spec for a symbol, fetching it on first use.
func (i *Instruments) Spec(ctx context.Context, symbol string) (types.ContractSpec, error) {
	i.mu.RLock()
	spec, ok := i.specs[symbol]
	i.mu.RUnlock()
	if ok {
		return spec, nil
	}

	spec, err := i.fetcher.GetContractSpec(ctx, symbol)
	if err != nil {
		return types.ContractSpec{}, fmt.Errorf("fetch contract spec %s: %w", symbol, err)
	}

	i.mu.Lock()
	i.specs[symbol] = spec
	i.mu.Unlock()
	return spec, nil
}
