package ratesim

import (
	"context"
	"math/big"
	"sync"

	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/conversion-service/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/ports"
)

// Venue is a deterministic rate simulator standing in for a real conversion
// venue in dev and tests. Quote applies RateNum/RateDen; Execute applies the
// same rate minus SpreadBps. A real venue has liquidity and slippage curves
// this simulator deliberately does not model.
type Venue struct {
	mu sync.RWMutex

	RateNum   int64
	RateDen   int64
	SpreadBps int64

	// Fail forces the next Execute calls to error, for failure-path tests.
	Fail bool
}

func New(rateNum int64, rateDen int64, spreadBps int64) *Venue {
	if rateDen <= 0 {
		rateDen = 1
	}
	return &Venue{RateNum: rateNum, RateDen: rateDen, SpreadBps: spreadBps}
}

func (v *Venue) Quote(_ context.Context, amountIn int64) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if amountIn <= 0 {
		return 0, domainerrors.ErrVenue
	}
	return scale(amountIn, v.RateNum, v.RateDen), nil
}

func (v *Venue) Execute(_ context.Context, amountIn int64) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.Fail {
		return 0, domainerrors.ErrVenue
	}
	if amountIn <= 0 {
		return 0, domainerrors.ErrVenue
	}
	out := scale(amountIn, v.RateNum, v.RateDen)
	if v.SpreadBps > 0 {
		out = scale(out, 10000-v.SpreadBps, 10000)
	}
	return out, nil
}

// SetRate changes the simulated rate, letting tests move the market between
// quote and execute.
func (v *Venue) SetRate(rateNum int64, rateDen int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rateDen <= 0 {
		rateDen = 1
	}
	v.RateNum = rateNum
	v.RateDen = rateDen
}

func scale(amount int64, num int64, den int64) int64 {
	result := new(big.Int).Mul(big.NewInt(amount), big.NewInt(num))
	result.Div(result, big.NewInt(den))
	if !result.IsInt64() {
		return 0
	}
	return result.Int64()
}

var _ ports.Venue = (*Venue)(nil)
