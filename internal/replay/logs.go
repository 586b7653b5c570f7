package replay

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"txreplay/internal/events"
	"txreplay/internal/model"
)

func buildLogEntry(log *types.Log, decoder *events.Decoder) model.LogEntry {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	entry := model.LogEntry{
		Address:  log.Address.Hex(),
		Topics:   topics,
		Data:     hexutil.Encode(log.Data),
		LogIndex: uint64(log.Index),
	}
	if decoder != nil && len(log.Topics) > 0 && decoder.CanDecode(log.Topics[0]) {
		if name, args, err := decoder.Decode(log.Topics, log.Data); err == nil {
			entry.EventName = name
			entry.Args = args
		}
	}
	return entry
}

func buildLogEntries(logs []*types.Log, decoder *events.Decoder) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(logs))
	for _, log := range logs {
		if log == nil {
			continue
		}
		out = append(out, buildLogEntry(log, decoder))
	}
	return out
}
