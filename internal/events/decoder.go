package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Decoder names well-known token events and renders their arguments as
// strings. Logs it does not recognize are left undecoded.
type Decoder struct {
	byTopic map[common.Hash]abi.Event
}

func NewDecoder() (*Decoder, error) {
	parsed, err := TokenABI()
	if err != nil {
		return nil, err
	}
	byTopic := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, ev := range parsed.Events {
		byTopic[ev.ID] = ev
	}
	return &Decoder{byTopic: byTopic}, nil
}

// CanDecode checks if the topic0 is supported.
func (d *Decoder) CanDecode(topic0 common.Hash) bool {
	_, ok := d.byTopic[topic0]
	return ok
}

// Decode returns the event name and its arguments keyed by parameter name.
// A known topic0 with a mismatched topic count (an ERC721 Transfer, say)
// is reported as an error so the caller can keep the log raw.
func (d *Decoder) Decode(topics []common.Hash, data []byte) (string, map[string]string, error) {
	if len(topics) == 0 {
		return "", nil, fmt.Errorf("missing topics")
	}
	event, ok := d.byTopic[topics[0]]
	if !ok {
		return "", nil, fmt.Errorf("unsupported topic0: %s", topics[0].Hex())
	}

	indexed := indexedArguments(event.Inputs)
	if len(topics)-1 != len(indexed) {
		return "", nil, fmt.Errorf("%s: expected %d indexed topics, got %d", event.Name, len(indexed), len(topics)-1)
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
		return "", nil, fmt.Errorf("%s: parse topics: %w", event.Name, err)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, data); err != nil {
		return "", nil, fmt.Errorf("%s: unpack data: %w", event.Name, err)
	}

	args := make(map[string]string, len(values))
	for name, v := range values {
		args[name] = formatValue(v)
	}
	return event.Name, args, nil
}

func indexedArguments(inputs abi.Arguments) abi.Arguments {
	out := make(abi.Arguments, 0, len(inputs))
	for _, input := range inputs {
		if input.Indexed {
			out = append(out, input)
		}
	}
	return out
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case common.Address:
		return val.Hex()
	case *big.Int:
		return val.String()
	case []byte:
		return hexutil.Encode(val)
	case common.Hash:
		return val.Hex()
	default:
		return fmt.Sprint(val)
	}
}
