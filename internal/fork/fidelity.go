package fork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// StateReader is the slice of an Ethereum client needed to compare state.
type StateReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// CheckFidelity verifies that a freshly opened fork reports the same code and
// balance as upstream at the fork block for every account. It must run before
// anything is sent to the fork.
func CheckFidelity(ctx context.Context, upstream, forked StateReader, block *big.Int, accounts ...common.Address) error {
	var errs []error
	for _, acct := range accounts {
		wantCode, err := upstream.CodeAt(ctx, acct, block)
		if err != nil {
			return fmt.Errorf("fork: upstream code %s: %w", acct.Hex(), errors.Join(err, domain.ErrRPC))
		}
		gotCode, err := forked.CodeAt(ctx, acct, nil)
		if err != nil {
			return fmt.Errorf("fork: forked code %s: %w", acct.Hex(), errors.Join(err, domain.ErrForkUnavailable))
		}
		if !bytes.Equal(wantCode, gotCode) {
			errs = append(errs, fmt.Errorf("code of %s differs (%d vs %d bytes)", acct.Hex(), len(wantCode), len(gotCode)))
		}

		wantBal, err := upstream.BalanceAt(ctx, acct, block)
		if err != nil {
			return fmt.Errorf("fork: upstream balance %s: %w", acct.Hex(), errors.Join(err, domain.ErrRPC))
		}
		gotBal, err := forked.BalanceAt(ctx, acct, nil)
		if err != nil {
			return fmt.Errorf("fork: forked balance %s: %w", acct.Hex(), errors.Join(err, domain.ErrForkUnavailable))
		}
		if wantBal.Cmp(gotBal) != 0 {
			errs = append(errs, fmt.Errorf("balance of %s differs (%s vs %s)", acct.Hex(), wantBal, gotBal))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fork: state diverges from upstream: %w", errors.Join(append(errs, domain.ErrForkUnavailable)...))
	}
	return nil
}

// UpstreamFidelity checks sessions against a per-chain upstream client.
type UpstreamFidelity struct {
	Upstreams map[domain.Chain]StateReader
	// Dial connects to the fork endpoint; nil uses ethclient.
	Dial func(ctx context.Context, endpoint string) (StateReader, func(), error)
}

// Check compares the accounts on s with upstream at the session's fork
// block. Chains without an upstream reader are not checked.
func (u *UpstreamFidelity) Check(ctx context.Context, s *Session, accounts ...common.Address) error {
	info := s.Info()
	upstream, ok := u.Upstreams[info.Chain]
	if !ok || upstream == nil {
		return nil
	}
	dial := u.Dial
	if dial == nil {
		dial = dialState
	}
	forked, closeFn, err := dial(ctx, info.Endpoint)
	if err != nil {
		return fmt.Errorf("fork: dial %s: %w", info.Endpoint, errors.Join(err, domain.ErrForkUnavailable))
	}
	defer closeFn()

	var block *big.Int
	if info.BlockNumber > 0 {
		block = new(big.Int).SetUint64(info.BlockNumber)
	}
	return CheckFidelity(ctx, upstream, forked, block, accounts...)
}

func dialState(ctx context.Context, endpoint string) (StateReader, func(), error) {
	c, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
