package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/chain"
	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/signer"
	"github.com/midcurve/autoclose/internal/swapquote"
)

const (
	bpsDenominator   = 10_000
	deadlineWindow   = 10 * time.Minute
	receiptWait      = 3 * time.Minute
	pipelineStageMax = 30 * time.Second
)

type positionStore interface {
	GetByID(ctx context.Context, id string) (*models.Position, error)
}

type chainBackend interface {
	ReadOrderConfig(ctx context.Context, closer, tokenID string) (*chain.OrderConfig, error)
	ReadPositionState(ctx context.Context, manager, closer, tokenID string) (*chain.PositionState, error)
	PreviewCloseAmounts(ctx context.Context, closer, tokenID string) (amount0, amount1 *big.Int, err error)
	PackExecuteClose(tokenID string, amount0Min, amount1Min *big.Int, swapData []byte, deadline *big.Int) ([]byte, error)
	Simulate(ctx context.Context, from, to string, data []byte) error
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to string, data []byte) uint64
	Nonce(ctx context.Context, address string) (uint64, error)
	Broadcast(ctx context.Context, signedTx []byte) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*types.Receipt, error)
	RevertReason(ctx context.Context, from, to string, data []byte, block *big.Int) string
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
}

type quoteProvider interface {
	GetSwapParams(ctx context.Context, chainID int64, tokenIn, tokenOut, amountIn string, slippageBps int) (*swapquote.Params, error)
}

type txSigner interface {
	SignTransaction(ctx context.Context, req signer.TxRequest) (*signer.SignedTx, error)
}

// Pipeline performs one execution attempt for a claimed order: preflight,
// quote, simulate, sign, broadcast, confirm. It holds no order state — every
// attempt re-derives everything from the chain, so a retry an arbitrary time
// later is safe.
type Pipeline struct {
	chain         chainBackend
	positions     positionStore
	quotes        quoteProvider
	signer        txSigner
	operator      string
	manager       string
	closer        string
	confirmations int
	log           *logrus.Entry
}

// NewPipeline wires one attempt runner. operator is the executing wallet,
// manager the NFT position-manager contract, closer the default closer
// contract for orders that do not pin one.
func NewPipeline(
	chainClient chainBackend,
	positions positionStore,
	quotes quoteProvider,
	txSigner txSigner,
	operator, manager, closer string,
	confirmations int,
	log *logrus.Entry,
) *Pipeline {
	return &Pipeline{
		chain:         chainClient,
		positions:     positions,
		quotes:        quotes,
		signer:        txSigner,
		operator:      operator,
		manager:       manager,
		closer:        closer,
		confirmations: confirmations,
		log:           log,
	}
}

// Execute runs the attempt and returns the confirmed transaction hash. A
// non-nil error is always a *StageError.
func (p *Pipeline) Execute(ctx context.Context, order *models.CloseOrder) (string, error) {
	log := p.log.WithFields(logrus.Fields{
		"order":   order.ID,
		"attempt": order.Attempts,
	})

	pos, err := p.positions.GetByID(ctx, order.PositionID)
	if err != nil {
		return "", retryable("load position", err)
	}
	if pos == nil {
		return "", permanent("load position", fmt.Errorf("position %s not found", order.PositionID))
	}

	// Orders may pin a closer contract; the rest use the worker's default.
	closer := order.ContractAddress
	if closer == "" {
		closer = p.closer
	}

	// The contract's order config, not the database row, decides whether a
	// post-close swap runs and with what bounds.
	cfg, err := p.chain.ReadOrderConfig(ctx, closer, pos.TokenID)
	if err != nil {
		return "", retryable("read order config", err)
	}

	if err := p.preflight(ctx, closer, pos); err != nil {
		return "", err
	}

	amount0, amount1, err := p.chain.PreviewCloseAmounts(ctx, closer, pos.TokenID)
	if err != nil {
		return "", retryable("preview close", err)
	}
	amount0Min := applyBps(amount0, bpsDenominator-cfg.SlippageBps)
	amount1Min := applyBps(amount1, bpsDenominator-cfg.SlippageBps)

	swapData := []byte{}
	deadline := big.NewInt(time.Now().Add(deadlineWindow).Unix())
	if cfg.SwapEnabled {
		swapData, deadline, err = p.fetchSwapRoute(ctx, pos, cfg, amount0, amount1)
		if err != nil {
			return "", err
		}
	}

	calldata, err := p.chain.PackExecuteClose(pos.TokenID, amount0Min, amount1Min, swapData, deadline)
	if err != nil {
		return "", permanent("pack calldata", err)
	}

	// Dry-run the exact bytes that will be signed. A revert here is still
	// retryable: pool state moves between attempts.
	if err := p.chain.Simulate(ctx, p.operator, closer, calldata); err != nil {
		p.logFailureDiagnostics(ctx, order, pos, "simulate", "")
		return "", retryable("simulate", err)
	}

	gasPrice, err := p.chain.GasPrice(ctx)
	if err != nil {
		return "", retryable("gas price", err)
	}
	gasLimit := p.chain.EstimateGas(ctx, p.operator, closer, calldata)

	// Nonce is fetched immediately before signing; the signer itself is
	// stateless.
	nonce, err := p.chain.Nonce(ctx, p.operator)
	if err != nil {
		return "", retryable("nonce", err)
	}

	signed, err := p.signer.SignTransaction(ctx, signer.TxRequest{
		ChainID:  order.ChainID,
		To:       closer,
		Data:     hexutil.Encode(calldata),
		Nonce:    nonce,
		GasLimit: gasLimit,
		GasPrice: gasPrice.String(),
		Value:    "0",
	})
	if err != nil {
		return "", retryable("sign", err)
	}

	txHash, err := p.chain.Broadcast(ctx, signed.Raw)
	if err != nil {
		return "", retryable("broadcast", err)
	}
	log.WithField("tx", txHash).Info("close transaction broadcast")

	waitCtx, cancel := context.WithTimeout(ctx, receiptWait)
	defer cancel()
	receipt, err := p.chain.WaitForReceipt(waitCtx, txHash, p.confirmations)
	if err != nil {
		return "", retryable("confirm", fmt.Errorf("tx %s: %w", txHash, err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		p.logFailureDiagnostics(ctx, order, pos, "confirm", txHash)
		// Replay the call at the mined block so lastError carries the
		// contract's revert string, not just the hash.
		if reason := p.chain.RevertReason(ctx, p.operator, closer, calldata, receipt.BlockNumber); reason != "" {
			return "", retryable("confirm", fmt.Errorf("tx %s reverted on-chain: %s", txHash, reason))
		}
		return "", retryable("confirm", fmt.Errorf("tx %s reverted on-chain", txHash))
	}

	log.WithFields(logrus.Fields{
		"tx":    txHash,
		"block": receipt.BlockNumber,
		"gas":   receipt.GasUsed,
	}).Info("close transaction confirmed")
	return txHash, nil
}

// preflight verifies the position is still closable: it exists, the closer
// contract is approved, and liquidity remains. Each failed check is a
// business rejection, not a transient fault.
func (p *Pipeline) preflight(ctx context.Context, closer string, pos *models.Position) error {
	state, err := p.chain.ReadPositionState(ctx, p.manager, closer, pos.TokenID)
	if err != nil {
		// A burned NFT reverts ownerOf; everything else is an RPC fault.
		if strings.Contains(err.Error(), "execution reverted") {
			return permanent("preflight", fmt.Errorf("position %s no longer exists on-chain", pos.TokenID))
		}
		return retryable("preflight", err)
	}
	if !state.Approved {
		return permanent("preflight", fmt.Errorf("closer contract not approved for token %s", pos.TokenID))
	}
	if state.Liquidity == nil || state.Liquidity.Sign() == 0 {
		return permanent("preflight", fmt.Errorf("position %s has zero liquidity", pos.TokenID))
	}
	return nil
}

// fetchSwapRoute gets a fresh quote for the post-close swap. The input side
// is the non-quote token; its expected amount is reduced by the protocol fee
// before quoting. Price protection from the provider fails the order
// permanently — broadcasting through a hostile price is worse than stopping.
func (p *Pipeline) fetchSwapRoute(ctx context.Context, pos *models.Position, cfg *chain.OrderConfig, amount0, amount1 *big.Int) ([]byte, *big.Int, error) {
	tokenIn, tokenOut := pos.Token0Address, pos.Token1Address
	amountIn := amount0
	if pos.QuoteIsToken0 {
		tokenIn, tokenOut = pos.Token1Address, pos.Token0Address
		amountIn = amount1
	}
	amountIn = applyBps(amountIn, bpsDenominator-cfg.FeeBps)

	params, err := p.quotes.GetSwapParams(ctx, pos.ChainID, tokenIn, tokenOut, amountIn.String(), cfg.SlippageBps)
	if err != nil {
		if errors.Is(err, swapquote.ErrPriceProtection) || errors.Is(err, swapquote.ErrNotConfigured) {
			return nil, nil, permanent("swap quote", err)
		}
		return nil, nil, retryable("swap quote", err)
	}
	return params.Calldata, big.NewInt(params.Deadline), nil
}

// logFailureDiagnostics records operator token balances after a simulation
// failure or an on-chain revert, to make gas-vs-allowance failures
// distinguishable from the logs.
func (p *Pipeline) logFailureDiagnostics(ctx context.Context, order *models.CloseOrder, pos *models.Position, stage, txHash string) {
	dctx, cancel := context.WithTimeout(ctx, pipelineStageMax)
	defer cancel()

	fields := logrus.Fields{"order": order.ID, "stage": stage}
	if txHash != "" {
		fields["tx"] = txHash
	}
	if b0, err := p.chain.TokenBalance(dctx, pos.Token0Address, p.operator); err == nil {
		fields["balance0"] = b0.String()
	}
	if b1, err := p.chain.TokenBalance(dctx, pos.Token1Address, p.operator); err == nil {
		fields["balance1"] = b1.String()
	}
	p.log.WithFields(fields).Warn("close attempt reverted")
}

func applyBps(amount *big.Int, bps int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Div(out, big.NewInt(bpsDenominator))
}
