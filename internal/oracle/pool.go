package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// Caller is the read-only chain surface the pool reader needs.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReaderConfig bounds the RPC behaviour of a PoolReader.
type ReaderConfig struct {
	CallTimeout  time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RPS limits calls per second to the upstream node; zero disables.
	RPS   float64
	Burst int
}

func (c *ReaderConfig) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// PoolPrice is the spot price of Base in Quote implied by one V2 pair.
type PoolPrice struct {
	Pair      common.Address
	Base      common.Address
	Quote     common.Address
	Price     decimal.Decimal
	BaseDepth decimal.Decimal
	// QuoteDepth is the quote-side reserve in quote-token units.
	QuoteDepth decimal.Decimal
}

// PoolReader reads constant-product pools through eth_call.
type PoolReader struct {
	caller  Caller
	cfg     ReaderConfig
	limiter *rate.Limiter

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// NewPoolReader creates a PoolReader over caller.
func NewPoolReader(caller Caller, cfg ReaderConfig) *PoolReader {
	cfg.defaults()
	r := &PoolReader{
		caller:   caller,
		cfg:      cfg,
		decimals: make(map[common.Address]uint8),
	}
	if cfg.RPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}
	return r
}

// SpotPrice returns the price of base in quote from factory's pair. A
// missing pair is domain.ErrNoPool and is never retried.
func (r *PoolReader) SpotPrice(ctx context.Context, factory, base, quote common.Address) (PoolPrice, error) {
	pair, err := r.PairFor(ctx, factory, base, quote)
	if err != nil {
		return PoolPrice{}, err
	}

	var token0 common.Address
	if err := r.call(ctx, pair, pairABI, "token0", &token0); err != nil {
		return PoolPrice{}, fmt.Errorf("oracle: token0 %s: %w", pair.Hex(), err)
	}

	var reserves struct {
		Reserve0           *big.Int
		Reserve1           *big.Int
		BlockTimestampLast uint32
	}
	if err := r.call(ctx, pair, pairABI, "getReserves", &reserves); err != nil {
		return PoolPrice{}, fmt.Errorf("oracle: getReserves %s: %w", pair.Hex(), err)
	}

	baseRes, quoteRes := reserves.Reserve0, reserves.Reserve1
	if token0 != base {
		baseRes, quoteRes = quoteRes, baseRes
	}
	if baseRes == nil || quoteRes == nil || baseRes.Sign() == 0 || quoteRes.Sign() == 0 {
		return PoolPrice{}, fmt.Errorf("oracle: pair %s has empty reserves: %w", pair.Hex(), domain.ErrNoPool)
	}

	baseDec, err := r.Decimals(ctx, base)
	if err != nil {
		return PoolPrice{}, err
	}
	quoteDec, err := r.Decimals(ctx, quote)
	if err != nil {
		return PoolPrice{}, err
	}

	baseAmt := decimal.NewFromBigInt(baseRes, -int32(baseDec))
	quoteAmt := decimal.NewFromBigInt(quoteRes, -int32(quoteDec))

	return PoolPrice{
		Pair:       pair,
		Base:       base,
		Quote:      quote,
		Price:      quoteAmt.DivRound(baseAmt, 18),
		BaseDepth:  baseAmt,
		QuoteDepth: quoteAmt,
	}, nil
}

// PairFor resolves the pair address for two tokens on a V2 factory.
func (r *PoolReader) PairFor(ctx context.Context, factory, a, b common.Address) (common.Address, error) {
	var pair common.Address
	if err := r.call(ctx, factory, factoryABI, "getPair", &pair, a, b); err != nil {
		return common.Address{}, fmt.Errorf("oracle: getPair on %s: %w", factory.Hex(), err)
	}
	if pair == (common.Address{}) {
		return common.Address{}, fmt.Errorf("oracle: no pair %s/%s on %s: %w", a.Hex(), b.Hex(), factory.Hex(), domain.ErrNoPool)
	}
	return pair, nil
}

// Decimals returns the ERC20 decimals of token, cached after first read.
func (r *PoolReader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	r.mu.RLock()
	d, ok := r.decimals[token]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}
	if err := r.call(ctx, token, erc20ABI, "decimals", &d); err != nil {
		return 0, fmt.Errorf("oracle: decimals %s: %w", token.Hex(), err)
	}
	r.mu.Lock()
	r.decimals[token] = d
	r.mu.Unlock()
	return d, nil
}

// call packs method, performs eth_call with retries and unpacks into out.
func (r *PoolReader) call(ctx context.Context, to common.Address, contract abi.ABI, method string, out any, args ...any) error {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: input}

	var data []byte
	op := func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		res, err := r.caller.CallContract(callCtx, msg, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%s: %w", method, domain.ErrRPCTimeout)
			}
			return fmt.Errorf("%s: %v: %w", method, err, domain.ErrRPC)
		}
		data = res
		return nil
	}

	if err := backoff.Retry(op, r.newBackoff(ctx)); err != nil {
		return err
	}
	if len(data) == 0 {
		// A call to an address without code returns empty data.
		return fmt.Errorf("%s on %s returned no data: %w", method, to.Hex(), domain.ErrNoPool)
	}
	if err := contract.UnpackIntoInterface(out, method, data); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

func (r *PoolReader) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay
	b.MaxInterval = r.cfg.MaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}
