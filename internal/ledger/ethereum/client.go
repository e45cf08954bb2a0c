package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Patron-Relay/internal/ledger"
)

// Config describes how to reach an EVM compatible execution ledger.
type Config struct {
	Name           string
	RPCURL         string
	BatchRPCURL    string
	RelayKeyHex    string
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Client invokes targets on an EVM chain through JSON-RPC. State-changing
// calls are wrapped in transactions signed with the relay key; simulations
// use eth_call.
type Client struct {
	name        string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	relayKey    *ecdsa.PrivateKey
	relayAddr   common.Address
	chainID     *big.Int

	receiptTimeout time.Duration
	pollInterval   time.Duration

	mu sync.Mutex // serializes relay-key nonce assignment
}

// NewClient dials the configured endpoints and loads the relay key.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum ledger requires an RPC URL")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial execution ledger: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("dial batch endpoint: %w", err)
		}
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	client := &Client{
		name:           cfg.Name,
		rpcClient:      rpcClient,
		batchClient:    batchClient,
		eth:            eth,
		chainID:        chainID,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if client.receiptTimeout <= 0 {
		client.receiptTimeout = 60 * time.Second
	}
	if client.pollInterval <= 0 {
		client.pollInterval = 500 * time.Millisecond
	}

	if keyHex := strings.TrimSpace(cfg.RelayKeyHex); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("parse relay key: %w", err)
		}
		client.relayKey = key
		client.relayAddr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client, nil
}

// ChainID returns the id reported by the connected chain.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// RelayAddress returns the address transactions are sent from.
func (c *Client) RelayAddress() common.Address {
	return c.relayAddr
}

// Close releases the underlying RPC connections.
func (c *Client) Close() {
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// SimulateCall executes the invocation via eth_call without state changes.
func (c *Client) SimulateCall(ctx context.Context, msg ledger.CallMsg) (ledger.Result, error) {
	ret, err := c.eth.CallContract(ctx, callMsg(msg), nil)
	if err != nil {
		// Node-side reverts surface as errors; classify them as call
		// failures rather than infrastructure faults.
		if isRevert(err) {
			return ledger.Result{Success: false, ReturnData: []byte(err.Error())}, nil
		}
		return ledger.Result{}, fmt.Errorf("eth_call: %w", err)
	}
	gas, gasErr := c.eth.EstimateGas(ctx, callMsg(msg))
	if gasErr != nil {
		gas = msg.Gas
	}
	return ledger.Result{Success: true, ReturnData: ret, GasUsed: gas}, nil
}

// EstimateGas predicts gas consumption via eth_estimateGas.
func (c *Client) EstimateGas(ctx context.Context, msg ledger.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, callMsg(msg))
	if err != nil {
		if isRevert(err) {
			return 0, fmt.Errorf("estimate against reverting call: %w", err)
		}
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	return gas, nil
}

// Call wraps the invocation in a signed transaction and waits for its
// receipt. The context bounds the whole submission including the wait.
func (c *Client) Call(ctx context.Context, msg ledger.CallMsg) (ledger.Result, error) {
	if c.relayKey == nil {
		return ledger.Result{}, errors.New("ethereum ledger has no relay key configured")
	}

	c.mu.Lock()
	tx, err := c.buildAndSend(ctx, msg)
	c.mu.Unlock()
	if err != nil {
		return ledger.Result{}, err
	}

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return ledger.Result{}, err
	}
	return ledger.Result{
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}, nil
}

// CallBatch wraps every invocation in its own signed transaction, broadcasts
// them through one RPC batch call, then waits for each receipt. Nonces are
// assigned consecutively under the relay-key lock so the transactions cannot
// interleave with single Calls.
func (c *Client) CallBatch(ctx context.Context, msgs []ledger.CallMsg) ([]ledger.Result, error) {
	if c.relayKey == nil {
		return nil, errors.New("ethereum ledger has no relay key configured")
	}
	if len(msgs) == 0 {
		return nil, errors.New("empty batch")
	}

	c.mu.Lock()
	txs, err := c.buildBatch(ctx, msgs)
	if err == nil {
		_, err = c.SendBatch(ctx, txs)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	results := make([]ledger.Result, len(txs))
	for i, tx := range txs {
		receipt, err := c.waitReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, fmt.Errorf("batch transaction %d: %w", i, err)
		}
		results[i] = ledger.Result{
			Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
			GasUsed: receipt.GasUsed,
		}
	}
	return results, nil
}

func (c *Client) buildBatch(ctx context.Context, msgs []ledger.CallMsg) ([]*coretypes.Transaction, error) {
	nonce, tip, feeCap, err := c.feeParams(ctx)
	if err != nil {
		return nil, err
	}
	txs := make([]*coretypes.Transaction, len(msgs))
	for i, msg := range msgs {
		tx, err := c.buildTx(ctx, msg, nonce+uint64(i), tip, feeCap)
		if err != nil {
			return nil, fmt.Errorf("build transaction %d: %w", i, err)
		}
		txs[i] = tx
	}
	return txs, nil
}

// SendBatch broadcasts multiple signed transactions through a single RPC
// batch call and returns their hashes.
func (c *Client) SendBatch(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("no transactions to send")
	}
	if c.batchClient == nil {
		return nil, errors.New("batch endpoint not configured")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}
	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch send: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("transaction %d rejected: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

func (c *Client) buildAndSend(ctx context.Context, msg ledger.CallMsg) (*coretypes.Transaction, error) {
	nonce, tip, feeCap, err := c.feeParams(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := c.buildTx(ctx, msg, nonce, tip, feeCap)
	if err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

// feeParams queries the chain once for the relay nonce and the fee caps
// shared by every transaction built from them.
func (c *Client) feeParams(ctx context.Context) (uint64, *big.Int, *big.Int, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.relayAddr)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("query relay nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("query tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("query head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return nonce, tip, feeCap, nil
}

func (c *Client) buildTx(ctx context.Context, msg ledger.CallMsg, nonce uint64, tip, feeCap *big.Int) (*coretypes.Transaction, error) {
	gas := msg.Gas
	if gas == 0 {
		var err error
		gas, err = c.eth.EstimateGas(ctx, callMsg(msg))
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	to := msg.To
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.relayKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("query receipt: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transaction %s not mined within %s", hash.Hex(), c.receiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func callMsg(msg ledger.CallMsg) gethcore.CallMsg {
	to := msg.To
	return gethcore.CallMsg{
		From:  msg.From,
		To:    &to,
		Value: msg.Value,
		Data:  msg.Data,
		Gas:   msg.Gas,
	}
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "revert") || strings.Contains(text, "execution reverted")
}

var (
	_ ledger.Invoker      = (*Client)(nil)
	_ ledger.BatchInvoker = (*Client)(nil)
)
