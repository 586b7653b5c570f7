package replay

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"txreplay/internal/model"
)

// revertReason re-executes the failed message as a call against the block it
// was included in and decodes the revert payload. Anything undecodable
// collapses to the default reason.
func (e *Executor) revertReason(ctx context.Context, from common.Address, f callFields, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  from,
		To:    f.To,
		Gas:   f.Gas,
		Value: f.Value,
		Data:  f.Data,
	}
	if f.TxType == types.DynamicFeeTxType {
		msg.GasFeeCap = f.FeeCap
		msg.GasTipCap = f.TipCap
	} else {
		msg.GasPrice = f.GasPrice
	}

	_, err := e.backend.CallContract(ctx, msg, block)
	if err == nil {
		return model.DefaultRevertReason
	}
	if reason, ok := decodeRevert(err); ok {
		return reason
	}
	e.logger.Debug("revert reason unavailable", zap.Error(err))
	return model.DefaultRevertReason
}

// decodeRevert extracts a reason from an RPC error carrying revert data.
func decodeRevert(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}

	var payload []byte
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, derr := hexutil.Decode(data)
		if derr != nil {
			return "", false
		}
		payload = decoded
	case []byte:
		payload = data
	default:
		return "", false
	}

	if len(payload) == 0 {
		return "", false
	}
	reason, uerr := abi.UnpackRevert(payload)
	if uerr != nil {
		if len(payload) >= 4 {
			// Custom error: surface the selector so the reader can look it up.
			return "custom error " + hexutil.Encode(payload[:4]), true
		}
		return "", false
	}
	return reason, true
}
