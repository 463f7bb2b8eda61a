package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/compiler"
	"github.com/alanyoungcy/econaudit/internal/domain"
)

const (
	payableCtorABI    = `[{"inputs":[],"stateMutability":"payable","type":"constructor"}]`
	nonPayableCtorABI = `[{"inputs":[],"stateMutability":"nonpayable","type":"constructor"}]`
)

var (
	// Returns a runtime of a single STOP.
	stopContract = common.FromHex("600060005360016000f3")
	// Returns a runtime that reverts without data.
	revertContract = common.FromHex("6460006000fd6000526005601bf3")
	// Runtime that sends its whole balance to the caller.
	leakyRuntime = common.FromHex("600060006000600047335af100")

	leaky = common.HexToAddress("0x000000000000000000000000000000000000beef")
	ether = big.NewInt(1e18)
)

// drainer deploys a contract that, when called by an EOA, calls target.
func drainer(target common.Address) []byte {
	runtime := []byte{
		0x33, 0x32, 0x14, // CALLER ORIGIN EQ
		0x60, 0x07, 0x57, // PUSH1 7 JUMPI
		0x00,       // STOP
		0x5b,       // JUMPDEST
		0x60, 0x00, // retSize
		0x60, 0x00, // retOffset
		0x60, 0x00, // argsSize
		0x60, 0x00, // argsOffset
		0x60, 0x00, // value
		0x73, // PUSH20 target
	}
	runtime = append(runtime, target.Bytes()...)
	runtime = append(runtime, 0x5a, 0xf1, 0x00) // GAS CALL STOP

	init := []byte{
		0x60, byte(len(runtime)), 0x80, // size, dup
		0x60, 0x0b, 0x60, 0x00, 0x39, // CODECOPY(0, 11, size)
		0x60, 0x00, 0xf3, // RETURN(0, size)
	}
	return append(init, runtime...)
}

type simClient struct {
	simulated.Client
	backend *simulated.Backend
	hold    bool
}

func (c *simClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	if !c.hold {
		c.backend.Commit()
	}
	return nil
}

func (c *simClient) Close() {}

type fakeFork struct{}

func (fakeFork) Info() domain.ForkInfo {
	return domain.ForkInfo{ID: "fork-1", Chain: "bsc", Endpoint: "sim://", State: domain.ForkActive}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simExecutor(t *testing.T, hold bool) *Executor {
	t.Helper()
	key, err := crypto.HexToECDSA(DevKey)
	require.NoError(t, err)
	deployer := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{
		deployer: {Balance: new(big.Int).Mul(big.NewInt(1000), ether)},
		leaky:    {Balance: new(big.Int).Mul(big.NewInt(5), ether), Code: leakyRuntime},
	})
	t.Cleanup(func() { _ = backend.Close() })

	client := &simClient{Client: backend.Client(), backend: backend, hold: hold}
	dial := func(context.Context, string) (Client, error) { return client, nil }

	e, err := New(Config{Key: key, ReceiptPoll: 5 * time.Millisecond}, dial, nil, nil, testLogger())
	require.NoError(t, err)
	return e
}

func TestExecute_SuccessWithoutProfit(t *testing.T) {
	e := simExecutor(t, false)
	art := domain.ExploitArtifact{ID: "a1", ABI: payableCtorABI, Bytecode: stopContract}

	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "a1", res.ArtifactID)
	assert.Zero(t, res.Capital.Cmp(ether))
	assert.Zero(t, res.InitialBalance.Cmp(ether))
	assert.Zero(t, res.FinalBalance.Cmp(ether))
	assert.Greater(t, res.GasUsed, uint64(21000))
	assert.NotEmpty(t, res.Account)
	assert.NotEmpty(t, res.TxHash)
	assert.Empty(t, res.RevertReason)
	assert.Equal(t, "fork-1", res.Fork.ID)
}

func TestExecute_RevertIsAResult(t *testing.T) {
	e := simExecutor(t, false)
	art := domain.ExploitArtifact{ID: "a2", ABI: payableCtorABI, Bytecode: revertContract}

	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.RevertReason, "revert")
	assert.Zero(t, res.InitialBalance.Cmp(res.FinalBalance))
}

func TestExecute_ProfitMeasuredOnExploitContract(t *testing.T) {
	e := simExecutor(t, false)
	art := domain.ExploitArtifact{ID: "a3", ABI: payableCtorABI, Bytecode: drainer(leaky)}

	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)
	require.True(t, res.Success)

	profit := new(big.Int).Sub(res.FinalBalance, res.InitialBalance)
	assert.Zero(t, profit.Cmp(new(big.Int).Mul(big.NewInt(5), ether)), "got %s", profit)
}

func TestExecute_NonPayableConstructorGetsNoCapital(t *testing.T) {
	e := simExecutor(t, false)
	art := domain.ExploitArtifact{ID: "a4", ABI: nonPayableCtorABI, Bytecode: stopContract}

	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)
	assert.Zero(t, res.Capital.Sign())
	assert.Zero(t, res.InitialBalance.Sign())
}

func TestExecute_DeploymentRevert(t *testing.T) {
	e := simExecutor(t, false)
	art := domain.ExploitArtifact{ID: "a5", ABI: payableCtorABI, Bytecode: common.FromHex("60006000fd")}

	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.RevertReason)
	assert.Empty(t, res.Account)
}

func TestExecute_TimesOutWaitingForReceipt(t *testing.T) {
	e := simExecutor(t, true)
	art := domain.ExploitArtifact{ID: "a6", ABI: payableCtorABI, Bytecode: stopContract}

	_, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether, Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrRPCTimeout)
	assert.Equal(t, domain.ReasonRPCTimeout, domain.Classify(err))
}

func TestExecute_EndpointDown(t *testing.T) {
	dial := func(context.Context, string) (Client, error) { return nil, errors.New("connection refused") }
	e, err := New(Config{}, dial, nil, nil, testLogger())
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), domain.ExploitArtifact{ABI: payableCtorABI, Bytecode: stopContract}, fakeFork{}, Request{})
	assert.ErrorIs(t, err, domain.ErrForkUnavailable)
}

type stubCompiler struct{ calls int }

func (s *stubCompiler) Compile(context.Context, string, string) (compiler.Output, error) {
	s.calls++
	return compiler.Output{Name: "FlawVerifier", ABI: payableCtorABI, Bytecode: stopContract}, nil
}

func TestExecute_CompilesMissingBytecode(t *testing.T) {
	e := simExecutor(t, false)
	comp := &stubCompiler{}
	e.compiler = comp

	art := domain.ExploitArtifact{ID: "a7", ContractName: "FlawVerifier", Source: "contract FlawVerifier {}"}
	res, err := e.Execute(context.Background(), art, fakeFork{}, Request{Capital: ether})
	require.NoError(t, err)
	assert.Equal(t, 1, comp.calls)
	assert.True(t, res.Success)

	e.compiler = nil
	_, err = e.Execute(context.Background(), art, fakeFork{}, Request{})
	assert.ErrorIs(t, err, domain.ErrCompileFailed)
}

type dataErr struct{ data string }

func (e dataErr) Error() string          { return "execution reverted" }
func (e dataErr) ErrorCode() int         { return 3 }
func (e dataErr) ErrorData() interface{} { return e.data }

func TestRevertReason(t *testing.T) {
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack("price too low")
	require.NoError(t, err)
	data := append(common.FromHex("08c379a0"), packed...)

	assert.Equal(t, "price too low", RevertReason(dataErr{data: hexutil.Encode(data)}))
	assert.Equal(t, "execution reverted", RevertReason(dataErr{data: "0x"}))
	assert.Equal(t, "boom", RevertReason(errors.New("boom")))
	assert.Empty(t, RevertReason(nil))
}
