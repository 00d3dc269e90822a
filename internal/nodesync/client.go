package nodesync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/models"
)

// ChainClient is the node-facing surface the synchronizer needs.
type ChainClient interface {
	BestBlockHash() (chainhash.Hash, error)
	GetBlock(hash chainhash.Hash) (*models.Block, error)
}

// RPCClient talks to a chain node over JSON-RPC and parses raw blocks into
// the watcher's block model.
type RPCClient struct {
	client *rpcclient.Client
	parser TxParser
	params *chaincfg.Params
}

// NewRPCClient connects to the node configured in cfg. Blocks are parsed with
// the given parser.
func NewRPCClient(cfg *config.Config, parser TxParser) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPassword,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client for %s: %w", cfg.RPCHost, err)
	}
	return &RPCClient{client: client, parser: parser, params: cfg.ChainParams()}, nil
}

// BestBlockHash returns the node's current tip.
func (c *RPCClient) BestBlockHash() (chainhash.Hash, error) {
	hash, err := c.client.GetBestBlockHash()
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get best block hash: %w", err)
	}
	return *hash, nil
}

// GetBlock fetches and parses one block. Two node calls per block: the
// verbose header for height and ancestry, the raw block for transactions.
func (c *RPCClient) GetBlock(hash chainhash.Hash) (*models.Block, error) {
	verbose, err := c.client.GetBlockVerbose(&hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block header %s: %w", hash, err)
	}

	msg, err := c.client.GetBlock(&hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}

	block := &models.Block{
		Hash:   hash,
		Height: int32(verbose.Height),
	}
	if verbose.PreviousHash != "" {
		prev, err := chainhash.NewHashFromStr(verbose.PreviousHash)
		if err != nil {
			return nil, fmt.Errorf("failed to parse previous hash %q: %w", verbose.PreviousHash, err)
		}
		block.Previous = *prev
	}

	for _, msgTx := range msg.Transactions {
		tx, err := c.parser.Parse(msgTx)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction %s in block %s: %w", msgTx.TxHash(), hash, err)
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

// Close shuts the underlying RPC connection down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}
