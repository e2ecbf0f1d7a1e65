package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SwapTopic is the V3 pool Swap event signature hash, used to filter the
// event-driven strategy's log subscription.
var SwapTopic = crypto.Keccak256Hash(
	[]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))

const receiptPollInterval = 3 * time.Second

// OrderConfig mirrors the closer contract's on-chain per-position order
// configuration — the contract, not the database, decides whether a
// post-close swap executes.
type OrderConfig struct {
	SwapEnabled bool
	SlippageBps int
	FeeBps      int
}

// PositionState is the preflight snapshot read from the position manager.
type PositionState struct {
	Owner     common.Address
	Approved  bool
	Liquidity *big.Int
}

// SwapObservation is one decoded Swap log.
type SwapObservation struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
}

type Client struct {
	rpc              *ethclient.Client
	chainID          int64
	gasLimitFallback uint64
	gasMul           float64

	poolABI   abi.ABI
	closerABI abi.ABI
	mgrABI    abi.ABI
	erc20ABI  abi.ABI
}

func NewClient(rpcURL string, chainID int64, gasLimitFallback uint64, gasMultiplier float64) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial RPC: %w", err)
	}

	pABI, err := abi.JSON(mustPoolABI())
	if err != nil {
		return nil, fmt.Errorf("parse pool ABI: %w", err)
	}
	cABI, err := abi.JSON(mustCloserABI())
	if err != nil {
		return nil, fmt.Errorf("parse closer ABI: %w", err)
	}
	mABI, err := abi.JSON(mustManagerABI())
	if err != nil {
		return nil, fmt.Errorf("parse manager ABI: %w", err)
	}
	eABI, err := abi.JSON(mustERC20ABI())
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	return &Client{
		rpc:              rpc,
		chainID:          chainID,
		gasLimitFallback: gasLimitFallback,
		gasMul:           gasMultiplier,
		poolABI:          pABI,
		closerABI:        cABI,
		mgrABI:           mABI,
		erc20ABI:         eABI,
	}, nil
}

func (c *Client) ChainID() int64 { return c.chainID }
func (c *Client) Close()         { c.rpc.Close() }

// ReadPoolPrice returns the pool's current raw price and tick from slot0.
func (c *Client) ReadPoolPrice(ctx context.Context, pool string) (*big.Int, int32, error) {
	out, err := c.view(ctx, c.poolABI, common.HexToAddress(pool), "slot0")
	if err != nil {
		return nil, 0, fmt.Errorf("slot0 %s: %w", pool, err)
	}
	sqrtPrice := out[0].(*big.Int)
	tick := out[1].(*big.Int)
	return sqrtPrice, int32(tick.Int64()), nil
}

// PoolTokens returns the pool's token addresses.
func (c *Client) PoolTokens(ctx context.Context, pool string) (token0, token1 string, err error) {
	addr := common.HexToAddress(pool)
	out0, err := c.view(ctx, c.poolABI, addr, "token0")
	if err != nil {
		return "", "", fmt.Errorf("token0 %s: %w", pool, err)
	}
	out1, err := c.view(ctx, c.poolABI, addr, "token1")
	if err != nil {
		return "", "", fmt.Errorf("token1 %s: %w", pool, err)
	}
	return out0[0].(common.Address).Hex(), out1[0].(common.Address).Hex(), nil
}

// ReadOrderConfig reads the on-chain order configuration for a position.
func (c *Client) ReadOrderConfig(ctx context.Context, closer, tokenID string) (*OrderConfig, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	out, err := c.view(ctx, c.closerABI, common.HexToAddress(closer), "orderConfig", id)
	if err != nil {
		return nil, fmt.Errorf("orderConfig: %w", err)
	}
	return &OrderConfig{
		SwapEnabled: out[0].(bool),
		SlippageBps: int(out[1].(uint16)),
		FeeBps:      int(out[2].(uint16)),
	}, nil
}

// ReadPositionState gathers the preflight facts: current owner, whether the
// closer contract is approved, and remaining liquidity.
func (c *Client) ReadPositionState(ctx context.Context, manager, closer, tokenID string) (*PositionState, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	mgr := common.HexToAddress(manager)
	closerAddr := common.HexToAddress(closer)

	ownerOut, err := c.view(ctx, c.mgrABI, mgr, "ownerOf", id)
	if err != nil {
		return nil, fmt.Errorf("ownerOf: %w", err)
	}
	owner := ownerOut[0].(common.Address)

	approved := false
	if apprOut, err := c.view(ctx, c.mgrABI, mgr, "getApproved", id); err == nil {
		approved = apprOut[0].(common.Address) == closerAddr
	}
	if !approved {
		allOut, err := c.view(ctx, c.mgrABI, mgr, "isApprovedForAll", owner, closerAddr)
		if err != nil {
			return nil, fmt.Errorf("isApprovedForAll: %w", err)
		}
		approved = allOut[0].(bool)
	}

	posOut, err := c.view(ctx, c.mgrABI, mgr, "positions", id)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	liquidity := posOut[7].(*big.Int)

	return &PositionState{Owner: owner, Approved: approved, Liquidity: liquidity}, nil
}

// PreviewCloseAmounts asks the closer contract what the close would return
// at the current pool state; slippage minimums derive from these.
func (c *Client) PreviewCloseAmounts(ctx context.Context, closer, tokenID string) (amount0, amount1 *big.Int, err error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.view(ctx, c.closerABI, common.HexToAddress(closer), "previewClose", id)
	if err != nil {
		return nil, nil, fmt.Errorf("previewClose: %w", err)
	}
	return out[0].(*big.Int), out[1].(*big.Int), nil
}

// PackExecuteClose builds the executeClose calldata used for both the
// simulation and the signing request, so the simulated and broadcast
// transactions are byte-identical.
func (c *Client) PackExecuteClose(tokenID string, amount0Min, amount1Min *big.Int, swapData []byte, deadline *big.Int) ([]byte, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	if swapData == nil {
		swapData = []byte{}
	}
	return c.closerABI.Pack("executeClose", id, amount0Min, amount1Min, swapData, deadline)
}

// Nonce returns the pending nonce, fetched immediately before signing. The
// signer is stateless and never assigns nonces itself.
func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	return c.rpc.PendingNonceAt(ctx, common.HexToAddress(address))
}

// GasPrice returns the suggested gas price with the configured multiplier.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	mul := new(big.Float).SetFloat64(c.gasMul)
	adjusted := new(big.Float).Mul(new(big.Float).SetInt(price), mul)
	result, _ := adjusted.Int(nil)
	return result, nil
}

// EstimateGas estimates the gas limit for a call; estimation failures fall
// back to the configured static limit rather than failing the attempt.
func (c *Client) EstimateGas(ctx context.Context, from, to string, data []byte) uint64 {
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: common.HexToAddress(from),
		To:   addrPtr(to),
		Data: data,
	})
	if err != nil {
		return c.gasLimitFallback
	}
	adjusted := uint64(float64(gas) * c.gasMul)
	if adjusted > c.gasLimitFallback {
		return c.gasLimitFallback
	}
	return adjusted
}

// Simulate runs the transaction as an eth_call against current state. The
// returned error carries the decoded revert reason when one is available.
func (c *Client) Simulate(ctx context.Context, from, to string, data []byte) error {
	_, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		From: common.HexToAddress(from),
		To:   addrPtr(to),
		Data: data,
	}, nil)
	if err != nil {
		if reason := c.DecodeRevertReason(revertData(err)); reason != "" {
			return fmt.Errorf("simulation reverted: %s", reason)
		}
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

// Broadcast submits a signed raw transaction and returns its hash.
func (c *Client) Broadcast(ctx context.Context, signedTx []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signedTx); err != nil {
		return "", fmt.Errorf("decode signed tx: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined and has the required
// confirmation depth.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			head, err := c.rpc.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+uint64(confirmations)-1 {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RevertReason replays a call at the given block and returns the decoded
// revert string, or "" when the call succeeds or the node attached no revert
// data.
func (c *Client) RevertReason(ctx context.Context, from, to string, data []byte, block *big.Int) string {
	_, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		From: common.HexToAddress(from),
		To:   addrPtr(to),
		Data: data,
	}, block)
	if err == nil {
		return ""
	}
	return c.DecodeRevertReason(revertData(err))
}

// DecodeRevertReason decodes standard Error(string) revert data. Returns ""
// when the data is empty or not a string revert.
func (c *Client) DecodeRevertReason(data []byte) string {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}

// DecodeSwapLog unpacks a Swap event's data section.
func (c *Client) DecodeSwapLog(data []byte) (*SwapObservation, error) {
	out, err := c.poolABI.Events["Swap"].Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack swap log: %w", err)
	}
	return &SwapObservation{
		Amount0:      out[0].(*big.Int),
		Amount1:      out[1].(*big.Int),
		SqrtPriceX96: out[2].(*big.Int),
		Tick:         int32(out[3].(*big.Int).Int64()),
	}, nil
}

// TokenBalance reads an ERC20 balance, used for post-failure diagnostics.
func (c *Client) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := c.view(ctx, c.erc20ABI, common.HexToAddress(token), "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

// --- helpers ---

func (c *Client) view(ctx context.Context, a abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return a.Unpack(method, raw)
}

func addrPtr(s string) *common.Address {
	a := common.HexToAddress(s)
	return &a
}

func parseTokenID(tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id, nil
}

// revertData pulls the raw revert bytes out of an RPC error when the node
// attached them.
func revertData(err error) []byte {
	var de interface{ ErrorData() interface{} }
	if !asErr(err, &de) {
		return nil
	}
	if s, ok := de.ErrorData().(string); ok {
		if b, decErr := hexutil.Decode(s); decErr == nil {
			return b
		}
	}
	return nil
}

func asErr(err error, target *interface{ ErrorData() interface{} }) bool {
	for err != nil {
		if de, ok := err.(interface{ ErrorData() interface{} }); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
