package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func TestDecodeTransfer(t *testing.T) {
	parsed, err := TokenABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := parsed.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	topic0 := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if !decoder.CanDecode(topic0) {
		t.Fatalf("transfer topic not recognized")
	}

	name, args, err := decoder.Decode([]common.Hash{topic0, topicFromAddress(from), topicFromAddress(to)}, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "Transfer" {
		t.Fatalf("name = %s", name)
	}
	if args["from"] != from.Hex() || args["to"] != to.Hex() || args["value"] != "1000000" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestDecodeWETHDeposit(t *testing.T) {
	parsed, _ := TokenABI()
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	dst := common.HexToAddress("0x4444444444444444444444444444444444444444")
	wad, _ := new(big.Int).SetString("5000000000000000000", 10)
	data, err := parsed.Events["Deposit"].Inputs.NonIndexed().Pack(wad)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	name, args, err := decoder.Decode([]common.Hash{parsed.Events["Deposit"].ID, topicFromAddress(dst)}, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "Deposit" || args["dst"] != dst.Hex() || args["wad"] != wad.String() {
		t.Fatalf("unexpected decode %s %v", name, args)
	}
}

func TestDecodeRejectsERC721Transfer(t *testing.T) {
	parsed, _ := TokenABI()
	decoder, _ := NewDecoder()

	topics := []common.Hash{
		parsed.Events["Transfer"].ID,
		topicFromAddress(common.HexToAddress("0x01")),
		topicFromAddress(common.HexToAddress("0x02")),
		common.BigToHash(big.NewInt(7)),
	}
	if _, _, err := decoder.Decode(topics, nil); err == nil {
		t.Fatalf("expected topic count mismatch")
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	decoder, _ := NewDecoder()
	if _, _, err := decoder.Decode([]common.Hash{common.HexToHash("0x01")}, nil); err == nil {
		t.Fatalf("expected unsupported topic error")
	}
	if _, _, err := decoder.Decode(nil, nil); err == nil {
		t.Fatalf("expected missing topics error")
	}
}
