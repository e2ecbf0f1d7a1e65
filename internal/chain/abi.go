package chain

import (
	"io"
	"strings"
)

// Minimal ABIs — only the methods and events the pipeline calls.

// mustPoolABI covers the V3-style pool surface: current price and token
// sides, plus the Swap event the event-driven strategy decodes.
func mustPoolABI() io.Reader {
	return strings.NewReader(`[
		{
			"name": "slot0",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "sqrtPriceX96",               "type": "uint160"},
				{"name": "tick",                       "type": "int24"},
				{"name": "observationIndex",           "type": "uint16"},
				{"name": "observationCardinality",     "type": "uint16"},
				{"name": "observationCardinalityNext", "type": "uint16"},
				{"name": "feeProtocol",                "type": "uint8"},
				{"name": "unlocked",                   "type": "bool"}
			]
		},
		{
			"name": "token0",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "token1",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "Swap",
			"type": "event",
			"inputs": [
				{"name": "sender",       "type": "address", "indexed": true},
				{"name": "recipient",    "type": "address", "indexed": true},
				{"name": "amount0",      "type": "int256",  "indexed": false},
				{"name": "amount1",      "type": "int256",  "indexed": false},
				{"name": "sqrtPriceX96", "type": "uint160", "indexed": false},
				{"name": "liquidity",    "type": "uint128", "indexed": false},
				{"name": "tick",         "type": "int24",   "indexed": false}
			]
		}
	]`)
}

// mustCloserABI is the position-closer contract: the on-chain order config
// (source of truth for the post-close swap), preflight views and the execute
// entrypoint.
func mustCloserABI() io.Reader {
	return strings.NewReader(`[
		{
			"name": "orderConfig",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": [
				{"name": "swapEnabled", "type": "bool"},
				{"name": "slippageBps", "type": "uint16"},
				{"name": "feeBps",      "type": "uint16"}
			]
		},
		{
			"name": "previewClose",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": [
				{"name": "amount0", "type": "uint256"},
				{"name": "amount1", "type": "uint256"}
			]
		},
		{
			"name": "executeClose",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "tokenId",    "type": "uint256"},
				{"name": "amount0Min", "type": "uint256"},
				{"name": "amount1Min", "type": "uint256"},
				{"name": "swapData",   "type": "bytes"},
				{"name": "deadline",   "type": "uint256"}
			],
			"outputs": []
		}
	]`)
}

// mustManagerABI is the slice of the NFT position manager used by preflight:
// ownership, operator approval and remaining liquidity.
func mustManagerABI() io.Reader {
	return strings.NewReader(`[
		{
			"name": "ownerOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "getApproved",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "isApprovedForAll",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "owner",    "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "positions",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": [
				{"name": "nonce",                    "type": "uint96"},
				{"name": "operator",                 "type": "address"},
				{"name": "token0",                   "type": "address"},
				{"name": "token1",                   "type": "address"},
				{"name": "fee",                      "type": "uint24"},
				{"name": "tickLower",                "type": "int24"},
				{"name": "tickUpper",                "type": "int24"},
				{"name": "liquidity",                "type": "uint128"},
				{"name": "feeGrowthInside0LastX128", "type": "uint256"},
				{"name": "feeGrowthInside1LastX128", "type": "uint256"},
				{"name": "tokensOwed0",              "type": "uint128"},
				{"name": "tokensOwed1",              "type": "uint128"}
			]
		}
	]`)
}

// mustERC20ABI is used for post-failure balance diagnostics.
func mustERC20ABI() io.Reader {
	return strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "_owner", "type": "address"}],
			"outputs": [{"name": "balance", "type": "uint256"}]
		}
	]`)
}
