// Package executor deploys an exploit artifact on a fork, calls its
// verify() entry point and records what happened to its balance.
package executor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/econaudit/internal/compiler"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/metrics"
)

// DevKey is the first prefunded account of a default anvil instance.
const DevKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var verifySelector = crypto.Keccak256([]byte("verify()"))[:4]

// Fork is the session the artifact runs against.
type Fork interface {
	Info() domain.ForkInfo
}

// Compiler builds artifacts that arrive without bytecode.
type Compiler interface {
	Compile(ctx context.Context, source, name string) (compiler.Output, error)
}

// Config holds executor defaults. Request fields override them per call.
type Config struct {
	Key         *ecdsa.PrivateKey
	GasLimit    uint64
	Timeout     time.Duration
	Capital     *big.Int
	ReceiptPoll time.Duration
}

func (c *Config) defaults() {
	if c.GasLimit == 0 {
		c.GasLimit = 3_000_000
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Capital == nil {
		c.Capital = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 100 * time.Millisecond
	}
}

// Request carries per-run overrides.
type Request struct {
	Capital  *big.Int
	GasLimit uint64
	Timeout  time.Duration
}

// Executor runs artifacts on forks.
type Executor struct {
	cfg      Config
	from     common.Address
	dial     Dialer
	compiler Compiler
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Executor. A nil key uses DevKey; a nil dialer uses DialRPC.
func New(cfg Config, dial Dialer, comp Compiler, m *metrics.Metrics, logger *slog.Logger) (*Executor, error) {
	cfg.defaults()
	if cfg.Key == nil {
		key, err := crypto.HexToECDSA(DevKey)
		if err != nil {
			return nil, fmt.Errorf("executor: dev key: %w", err)
		}
		cfg.Key = key
	}
	if dial == nil {
		dial = DialRPC
	}
	return &Executor{
		cfg:      cfg,
		from:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		dial:     dial,
		compiler: comp,
		metrics:  m,
		logger:   logger.With(slog.String("component", "executor")),
	}, nil
}

// From returns the deployer account.
func (e *Executor) From() common.Address { return e.from }

// Execute deploys art on the fork, calls verify() and measures the exploit
// contract's balance before and after. A reverted call is a result, not an
// error; errors mean the fork or the compiler could not be used.
func (e *Executor) Execute(ctx context.Context, art domain.ExploitArtifact, fork Fork, req Request) (domain.ExecutionResult, error) {
	start := time.Now()
	info := fork.Info()
	log := e.logger.With(
		slog.String("artifact", art.ID),
		slog.String("fork", info.ID),
		slog.String("chain", string(info.Chain)),
	)

	res, err := e.execute(ctx, art, info, e.merge(req), log)
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		e.metrics.Executed("error")
		log.WarnContext(ctx, "execution failed", slog.String("error", err.Error()))
	case res.Success:
		e.metrics.Executed("success")
		log.InfoContext(ctx, "exploit executed",
			slog.String("initial", res.InitialBalance.String()),
			slog.String("final", res.FinalBalance.String()),
			slog.Uint64("gas_used", res.GasUsed),
		)
	default:
		e.metrics.Executed("reverted")
		log.InfoContext(ctx, "exploit reverted", slog.String("reason", res.RevertReason))
	}
	return res, err
}

func (e *Executor) merge(req Request) Request {
	if req.Capital == nil {
		req.Capital = e.cfg.Capital
	}
	if req.GasLimit == 0 {
		req.GasLimit = e.cfg.GasLimit
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.Timeout
	}
	return req
}

func (e *Executor) execute(ctx context.Context, art domain.ExploitArtifact, info domain.ForkInfo, req Request, log *slog.Logger) (domain.ExecutionResult, error) {
	res := domain.ExecutionResult{ArtifactID: art.ID, Fork: info}

	art, err := e.ensureCompiled(ctx, art)
	if err != nil {
		return res, err
	}
	var parsed abi.ABI
	if strings.TrimSpace(art.ABI) != "" {
		if parsed, err = abi.JSON(strings.NewReader(art.ABI)); err != nil {
			return res, fmt.Errorf("executor: parse abi: %w", errors.Join(err, domain.ErrCompileFailed))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	client, err := e.dial(ctx, info.Endpoint)
	if err != nil {
		return res, fmt.Errorf("executor: dial %s: %w", info.Endpoint, errors.Join(err, domain.ErrForkUnavailable))
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return res, rpcErr(ctx, "chain id", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return res, rpcErr(ctx, "gas price", err)
	}
	res.GasPrice = gasPrice

	value := new(big.Int)
	if parsed.Constructor.IsPayable() {
		value.Set(req.Capital)
	}
	res.Capital = value

	data := append(append([]byte{}, art.Bytecode...), art.ConstructorArgs...)
	deploy, err := e.send(ctx, client, chainID, gasPrice, nil, value, req.GasLimit, data)
	if err != nil {
		return res, err
	}
	res.GasUsed = deploy.GasUsed
	res.TxHash = deploy.TxHash.Hex()
	if deploy.Status != types.ReceiptStatusSuccessful {
		res.RevertReason = e.replay(ctx, client, nil, value, req.GasLimit, data, deploy.BlockNumber)
		if res.RevertReason == "" {
			res.RevertReason = "deployment reverted"
		}
		res.InitialBalance, res.FinalBalance = new(big.Int), new(big.Int)
		return res, nil
	}
	exploit := deploy.ContractAddress
	res.Account = exploit.Hex()
	log.DebugContext(ctx, "exploit deployed", slog.String("address", exploit.Hex()))

	if res.InitialBalance, err = client.BalanceAt(ctx, exploit, nil); err != nil {
		return res, rpcErr(ctx, "initial balance", err)
	}

	call, err := e.send(ctx, client, chainID, gasPrice, &exploit, new(big.Int), req.GasLimit, verifySelector)
	if err != nil {
		return res, err
	}
	res.GasUsed += call.GasUsed
	res.TxHash = call.TxHash.Hex()
	res.Success = call.Status == types.ReceiptStatusSuccessful

	if res.FinalBalance, err = client.BalanceAt(ctx, exploit, nil); err != nil {
		return res, rpcErr(ctx, "final balance", err)
	}
	if !res.Success {
		res.RevertReason = e.replay(ctx, client, &exploit, new(big.Int), req.GasLimit, verifySelector, call.BlockNumber)
		if res.RevertReason == "" {
			res.RevertReason = "execution reverted"
		}
	}

	if tracer, ok := client.(Tracer); ok {
		trace, err := tracer.TraceTransaction(ctx, call.TxHash)
		if err != nil {
			log.DebugContext(ctx, "trace unavailable", slog.String("error", err.Error()))
		} else {
			res.Trace = trace
		}
	}
	return res, nil
}

func (e *Executor) ensureCompiled(ctx context.Context, art domain.ExploitArtifact) (domain.ExploitArtifact, error) {
	if art.Compiled() {
		return art, nil
	}
	if e.compiler == nil || art.Source == "" {
		return art, fmt.Errorf("executor: artifact %s has no bytecode: %w", art.ID, domain.ErrCompileFailed)
	}
	out, err := e.compiler.Compile(ctx, art.Source, art.ContractName)
	if err != nil {
		return art, fmt.Errorf("executor: compile %s: %w", art.ID, err)
	}
	art.ABI, art.Bytecode = out.ABI, out.Bytecode
	if art.ConstructorArgs == nil {
		parsed, err := abi.JSON(strings.NewReader(out.ABI))
		if err != nil {
			return art, fmt.Errorf("executor: parse abi: %w", errors.Join(err, domain.ErrCompileFailed))
		}
		if len(parsed.Constructor.Inputs) == 1 {
			if art.ConstructorArgs, err = parsed.Pack("", art.Target); err != nil {
				return art, fmt.Errorf("executor: constructor args: %w", errors.Join(err, domain.ErrCompileFailed))
			}
		}
	}
	return art, nil
}

// send signs a legacy transaction from the deployer and waits for it to be
// mined.
func (e *Executor) send(ctx context.Context, client Client, chainID, gasPrice *big.Int, to *common.Address, value *big.Int, gas uint64, data []byte) (*types.Receipt, error) {
	nonce, err := client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, rpcErr(ctx, "nonce", err)
	}
	tx, err := types.SignNewTx(e.cfg.Key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: sign: %w", err)
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return nil, rpcErr(ctx, "send", err)
	}
	return e.waitMined(ctx, client, tx.Hash())
}

func (e *Executor) waitMined(ctx context.Context, client Client, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, rpcErr(ctx, "receipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, rpcErr(ctx, "receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// replay re-runs a failed transaction as a call against the state it saw and
// decodes the revert reason.
func (e *Executor) replay(ctx context.Context, client Client, to *common.Address, value *big.Int, gas uint64, data []byte, mined *big.Int) string {
	var at *big.Int
	if mined != nil && mined.Sign() > 0 {
		at = new(big.Int).Sub(mined, big.NewInt(1))
	}
	_, err := client.CallContract(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    to,
		Gas:   gas,
		Value: value,
		Data:  data,
	}, at)
	return RevertReason(err)
}

// RevertReason extracts a readable reason from a call error. Errors carrying
// ABI-encoded Error(string) data are decoded.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func rpcErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("executor: %s: %w", op, errors.Join(err, domain.ErrRPCTimeout))
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("executor: %s: %w", op, err)
	default:
		return fmt.Errorf("executor: %s: %w", op, errors.Join(err, domain.ErrRPC))
	}
}

// Tracer is implemented by clients that can return a raw transaction trace.
type Tracer interface {
	TraceTransaction(ctx context.Context, hash common.Hash) (json.RawMessage, error)
}
