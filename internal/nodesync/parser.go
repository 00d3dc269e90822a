package nodesync

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/chainwatch/internal/models"
)

// TxParser turns a raw wire transaction into the watcher's transaction model.
type TxParser interface {
	Parse(tx *wire.MsgTx) (*models.Transaction, error)
}

// NativeParser extracts native-coin credits from transaction outputs: every
// standard output crediting an address becomes a positive balance change on
// property 0. Debits are not resolved; they would need a lookup of every
// spent output, and incoming funds are what balance rules watch.
type NativeParser struct {
	params *chaincfg.Params
}

// NewNativeParser creates a parser for the given network.
func NewNativeParser(params *chaincfg.Params) *NativeParser {
	return &NativeParser{params: params}
}

// Parse extracts address credits from the transaction's outputs. Outputs with
// non-standard or unparseable scripts are skipped, not errors: they cannot be
// watched by address.
func (p *NativeParser) Parse(tx *wire.MsgTx) (*models.Transaction, error) {
	parsed := &models.Transaction{Hash: tx.TxHash()}

	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, p.params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		parsed.Changes = append(parsed.Changes, models.TokenChange{
			Address:  addrs[0].EncodeAddress(),
			Property: models.PropertyNative,
			Amount:   out.Value,
		})
	}
	return parsed, nil
}
