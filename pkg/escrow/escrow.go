// Package escrow wraps the on-chain escrow contract behind a typed client.
// The contract is a black box with a fixed ABI; its userBalances map is the
// source of truth for confirmed funds. Transaction submission is serialized
// through a single queue to avoid nonce collisions.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
)

// contractABI is the fixed escrow contract interface.
const contractABI = `[
	{"type":"function","name":"deposit","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"reportUsage","inputs":[{"name":"user","type":"address"},{"name":"node","type":"address"},{"name":"amount","type":"uint256"},{"name":"vmId","type":"string"}],"outputs":[]},
	{"type":"function","name":"batchReportUsage","inputs":[{"name":"users","type":"address[]"},{"name":"nodes","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"vmIds","type":"string[]"}],"outputs":[]},
	{"type":"function","name":"nodeWithdraw","inputs":[],"outputs":[]},
	{"type":"function","name":"userBalances","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Deposited","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"newBalance","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// MaxBatchItems is the contract-enforced cap on batchReportUsage entries.
const MaxBatchItems = 100

// usdcDecimals is the fixed-point scale of all on-chain amounts.
const usdcDecimals = 6

// Deposit is one decoded Deposited event.
type Deposit struct {
	Wallet      string
	Amount      float64
	TxHash      string
	BlockNumber uint64
}

// SettlementItem is one usage transfer in a settlement transaction.
type SettlementItem struct {
	UserWallet string
	NodeWallet string
	Amount     float64
	VMID       string
}

// Escrow is the adapter surface the balance engine, deposit monitor and
// settlement ticker depend on.
type Escrow interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	GetConfirmedBalance(ctx context.Context, wallet string) (float64, error)
	ScanDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]Deposit, error)
	ExecuteSettlement(ctx context.Context, item SettlementItem) (string, error)
	ExecuteBatchSettlement(ctx context.Context, items []SettlementItem) (string, error)
	WaitConfirmed(ctx context.Context, txHash string) error
}

// backend is the slice of ethclient.Client the adapter uses; tests substitute
// a fake.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Client talks to the escrow contract over an EVM JSON-RPC endpoint.
type Client struct {
	eth      backend
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	sender   common.Address

	requiredConfirmations uint64
	rpcTimeout            time.Duration

	// submitMu serializes transaction submission; the chain account has a
	// single nonce sequence.
	submitMu sync.Mutex

	logger zerolog.Logger
}

// Config for the escrow client.
type Config struct {
	RPCURL                string
	ContractAddress       string
	ChainID               uint64
	PrivateKeyHex         string // settlement signing key
	RequiredConfirmations uint64
	RPCTimeout            time.Duration
}

// Dial connects to the RPC endpoint and prepares the contract binding.
func Dial(cfg Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstream, err, "dial chain rpc %s", cfg.RPCURL)
	}
	return newClient(eth, cfg)
}

func newClient(eth backend, cfg Config) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}

	timeout := cfg.RPCTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		eth:                   eth,
		abi:                   parsed,
		contract:              common.HexToAddress(cfg.ContractAddress),
		chainID:               new(big.Int).SetUint64(cfg.ChainID),
		key:                   key,
		sender:                crypto.PubkeyToAddress(key.PublicKey),
		requiredConfirmations: cfg.RequiredConfirmations,
		rpcTimeout:            timeout,
		logger:                log.WithComponent("escrow"),
	}, nil
}

// CurrentBlock returns the chain head number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	block, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindUpstream, err, "query block number")
	}
	return block, nil
}

// GetConfirmedBalance reads the contract's userBalances map for wallet.
func (c *Client) GetConfirmedBalance(ctx context.Context, wallet string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	input, err := c.abi.Pack("userBalances", common.HexToAddress(wallet))
	if err != nil {
		return 0, fmt.Errorf("pack userBalances: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindUpstream, err, "call userBalances(%s)", wallet)
	}

	vals, err := c.abi.Unpack("userBalances", out)
	if err != nil {
		return 0, fmt.Errorf("unpack userBalances: %w", err)
	}
	return UnitsToUSDC(vals[0].(*big.Int)), nil
}

// ScanDeposits decodes Deposited events between fromBlock and toBlock
// inclusive. Callers keep windows at or below 100 blocks.
func (c *Client) ScanDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]Deposit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	event := c.abi.Events["Deposited"]
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstream, err, "filter Deposited logs [%d, %d]", fromBlock, toBlock)
	}

	var deposits []Deposit
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		vals, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			c.logger.Warn().Str("tx", l.TxHash.Hex()).Err(err).Msg("skipping undecodable Deposited event")
			continue
		}
		deposits = append(deposits, Deposit{
			Wallet:      strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
			Amount:      UnitsToUSDC(vals[0].(*big.Int)),
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
		})
	}
	return deposits, nil
}

// ExecuteSettlement submits a single reportUsage transaction.
func (c *Client) ExecuteSettlement(ctx context.Context, item SettlementItem) (string, error) {
	input, err := c.abi.Pack("reportUsage",
		common.HexToAddress(item.UserWallet),
		common.HexToAddress(item.NodeWallet),
		USDCToUnits(item.Amount),
		item.VMID,
	)
	if err != nil {
		return "", fmt.Errorf("pack reportUsage: %w", err)
	}
	return c.submit(ctx, input)
}

// ExecuteBatchSettlement submits one batchReportUsage transaction for up to
// 100 items.
func (c *Client) ExecuteBatchSettlement(ctx context.Context, items []SettlementItem) (string, error) {
	if len(items) == 0 {
		return "", errdefs.New(errdefs.KindInvalidInput, "empty settlement batch")
	}
	if len(items) > MaxBatchItems {
		return "", errdefs.New(errdefs.KindInvalidInput, "settlement batch of %d exceeds contract cap %d", len(items), MaxBatchItems)
	}

	users := make([]common.Address, len(items))
	nodes := make([]common.Address, len(items))
	amounts := make([]*big.Int, len(items))
	vmIDs := make([]string, len(items))
	for i, it := range items {
		users[i] = common.HexToAddress(it.UserWallet)
		nodes[i] = common.HexToAddress(it.NodeWallet)
		amounts[i] = USDCToUnits(it.Amount)
		vmIDs[i] = it.VMID
	}

	input, err := c.abi.Pack("batchReportUsage", users, nodes, amounts, vmIDs)
	if err != nil {
		return "", fmt.Errorf("pack batchReportUsage: %w", err)
	}
	return c.submit(ctx, input)
}

// submit signs and sends one contract call, holding the submission lock so
// nonces are assigned in order.
func (c *Client) submit(ctx context.Context, input []byte) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindUpstream, err, "query nonce")
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindUpstream, err, "query gas price")
	}

	tx := ethtypes.NewTransaction(nonce, c.contract, big.NewInt(0), 2_000_000, gasPrice, input)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		if isNonceError(err) {
			return "", errdefs.Wrap(errdefs.KindUpstream, err, "nonce collision, will retry")
		}
		return "", errdefs.Wrap(errdefs.KindUpstream, err, "send transaction")
	}

	hash := signed.Hash().Hex()
	c.logger.Info().Str("tx", hash).Uint64("nonce", nonce).Msg("settlement transaction submitted")
	return hash, nil
}

// WaitConfirmed blocks until the transaction is mined and buried under the
// required confirmation depth, or fails permanently on revert.
func (c *Client) WaitConfirmed(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return errdefs.New(errdefs.KindInternal, "transaction %s reverted", txHash)
	}

	mined := receipt.BlockNumber.Uint64()
	for {
		head, err := c.CurrentBlock(ctx)
		if err != nil {
			return err
		}
		if head >= mined && head-mined >= c.requiredConfirmations {
			return nil
		}
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindUpstream, ctx.Err(), "wait for confirmations of %s", txHash)
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
		receipt, err := c.eth.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.KindUpstream, ctx.Err(), "wait for mining of %s", hash.Hex())
		case <-time.After(3 * time.Second):
		}
	}
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}

// USDCToUnits converts a USDC amount to the contract's 6-decimal fixed
// point.
func USDCToUnits(amount float64) *big.Int {
	return big.NewInt(int64(math.Round(amount * math.Pow10(usdcDecimals))))
}

// UnitsToUSDC converts 6-decimal fixed point back to a USDC amount.
func UnitsToUSDC(units *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(math.Pow10(usdcDecimals))).Float64()
	return f
}

// Round6 rounds to USDC precision.
func Round6(amount float64) float64 {
	return math.Round(amount*1e6) / 1e6
}

// Split divides amount into the node's share and the platform fee at the
// given basis points, both rounded to 6 decimals with the fee taking the
// remainder.
func Split(amount float64, platformFeeBps int) (nodeShare, platformFee float64) {
	nodeShare = Round6(amount * (1 - float64(platformFeeBps)/10000))
	platformFee = Round6(amount - nodeShare)
	return nodeShare, platformFee
}
