package executor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/midcurve/autoclose/internal/chain"
	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/signer"
	"github.com/midcurve/autoclose/internal/swapquote"
)

type fakeChain struct {
	mu           sync.Mutex
	managerSeen  string
	closerSeen   string
	stateErr     error
	simulateErr  error
	receiptBad   bool
	revertReason string
	balanceReads int
}

func (f *fakeChain) ReadOrderConfig(ctx context.Context, closer, tokenID string) (*chain.OrderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closerSeen = closer
	return &chain.OrderConfig{SlippageBps: 100}, nil
}

func (f *fakeChain) ReadPositionState(ctx context.Context, manager, closer, tokenID string) (*chain.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.managerSeen = manager
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &chain.PositionState{Approved: true, Liquidity: big.NewInt(1)}, nil
}

func (f *fakeChain) PreviewCloseAmounts(ctx context.Context, closer, tokenID string) (*big.Int, *big.Int, error) {
	return big.NewInt(1_000_000), big.NewInt(2_000_000), nil
}

func (f *fakeChain) PackExecuteClose(tokenID string, amount0Min, amount1Min *big.Int, swapData []byte, deadline *big.Int) ([]byte, error) {
	return []byte{0xde, 0xad}, nil
}

func (f *fakeChain) Simulate(ctx context.Context, from, to string, data []byte) error {
	return f.simulateErr
}

func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, from, to string, data []byte) uint64 {
	return 500_000
}

func (f *fakeChain) Nonce(ctx context.Context, address string) (uint64, error) {
	return 7, nil
}

func (f *fakeChain) Broadcast(ctx context.Context, signedTx []byte) (string, error) {
	return "0xbroadcast", nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.receiptBad {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(100)}, nil
}

func (f *fakeChain) RevertReason(ctx context.Context, from, to string, data []byte, block *big.Int) string {
	return f.revertReason
}

func (f *fakeChain) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceReads++
	return big.NewInt(5), nil
}

type fakeQuotes struct{}

func (f *fakeQuotes) GetSwapParams(ctx context.Context, chainID int64, tokenIn, tokenOut, amountIn string, slippageBps int) (*swapquote.Params, error) {
	return nil, swapquote.ErrNotConfigured
}

type fakeSigner struct{}

func (f *fakeSigner) SignTransaction(ctx context.Context, req signer.TxRequest) (*signer.SignedTx, error) {
	return &signer.SignedTx{Raw: []byte{0x01}, TxHash: "0xsigned"}, nil
}

func pipelinePosition() *models.Position {
	return &models.Position{
		ID:             "pos-1",
		ChainID:        42161,
		TokenID:        "7",
		PoolAddress:    "0xpool",
		Token0Address:  "0xtoken0",
		Token1Address:  "0xtoken1",
		Token0Decimals: 18,
		Token1Decimals: 18,
	}
}

func pipelineOrder() *models.CloseOrder {
	order := testOrder()
	order.State = models.StateExecuting
	order.Attempts = 1
	order.OperatorAddress = "0xoperator"
	order.ContractAddress = "0xcloser-row"
	return order
}

func newTestPipeline(fc *fakeChain) *Pipeline {
	return NewPipeline(
		fc,
		&fakePositions{pos: pipelinePosition()},
		&fakeQuotes{},
		&fakeSigner{},
		"0xoperator", "0xmanager", "0xcloser-default",
		1,
		testLog(),
	)
}

func TestExecutePreflightsAgainstManagerContract(t *testing.T) {
	fc := &fakeChain{}
	p := newTestPipeline(fc)

	txHash, err := p.Execute(context.Background(), pipelineOrder())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if txHash != "0xbroadcast" {
		t.Fatalf("tx hash: got %q", txHash)
	}
	if fc.managerSeen != "0xmanager" {
		t.Fatalf("preflight must query the position manager, queried %q", fc.managerSeen)
	}
	if fc.closerSeen != "0xcloser-row" {
		t.Fatalf("order config must come from the order's closer, queried %q", fc.closerSeen)
	}
}

func TestExecuteDefaultsCloserContract(t *testing.T) {
	fc := &fakeChain{}
	p := newTestPipeline(fc)

	order := pipelineOrder()
	order.ContractAddress = ""
	if _, err := p.Execute(context.Background(), order); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fc.closerSeen != "0xcloser-default" {
		t.Fatalf("order without a pinned closer must use the default, queried %q", fc.closerSeen)
	}
}

func TestExecuteBurnedPositionFailsPermanently(t *testing.T) {
	fc := &fakeChain{stateErr: errors.New("execution reverted")}
	p := newTestPipeline(fc)

	_, err := p.Execute(context.Background(), pipelineOrder())
	var stage *StageError
	if !errors.As(err, &stage) || stage.Retryable {
		t.Fatalf("burned position must be a permanent rejection, got %v", err)
	}
}

func TestSimulateFailureGathersDiagnostics(t *testing.T) {
	fc := &fakeChain{simulateErr: errors.New("simulation reverted: STF")}
	p := newTestPipeline(fc)

	_, err := p.Execute(context.Background(), pipelineOrder())
	var stage *StageError
	if !errors.As(err, &stage) || !stage.Retryable || stage.Stage != "simulate" {
		t.Fatalf("want retryable simulate failure, got %v", err)
	}
	if fc.balanceReads == 0 {
		t.Fatal("simulation failure must record balance diagnostics")
	}
}

func TestRevertedReceiptCarriesDecodedReason(t *testing.T) {
	fc := &fakeChain{receiptBad: true, revertReason: "SlippageExceeded"}
	p := newTestPipeline(fc)

	_, err := p.Execute(context.Background(), pipelineOrder())
	var stage *StageError
	if !errors.As(err, &stage) || !stage.Retryable {
		t.Fatalf("want retryable confirm failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "SlippageExceeded") {
		t.Fatalf("error must carry the decoded revert reason, got %q", err.Error())
	}
	if fc.balanceReads == 0 {
		t.Fatal("reverted receipt must record balance diagnostics")
	}
}
