package statediff

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"txreplay/internal/apperr"
)

type account struct {
	balance *big.Int
	nonce   uint64
	code    []byte
}

type fakeReader struct {
	heights map[uint64]map[common.Address]account
	failOn  common.Address
}

func (f *fakeReader) lookup(addr common.Address, block *big.Int) account {
	return f.heights[block.Uint64()][addr]
}

func (f *fakeReader) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	if addr == f.failOn {
		return nil, errors.New("upstream timeout")
	}
	b := f.lookup(addr, block).balance
	if b == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *fakeReader) NonceAt(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	return f.lookup(addr, block).nonce, nil
}

func (f *fakeReader) CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error) {
	return f.lookup(addr, block).code, nil
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big %q", s)
	}
	return v
}

var (
	sender   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	contract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestDiffSenderAndContract(t *testing.T) {
	code := []byte{0x60, 0x80, 0x60, 0x40}
	reader := &fakeReader{heights: map[uint64]map[common.Address]account{
		99: {
			sender:   {balance: mustBig(t, "500000000000000000000000000000000000000"), nonce: 7},
			contract: {balance: big.NewInt(10), code: code},
		},
		100: {
			sender:   {balance: mustBig(t, "499999999999999999999000000000000000000"), nonce: 8},
			contract: {balance: big.NewInt(1000000000000000010), code: code},
		},
	}}
	engine := NewEngine(reader, nil)

	diffs, err := engine.Diff(context.Background(), big.NewInt(99), big.NewInt(100), []common.Address{sender, contract, sender})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(diffs))
	}

	s := diffs[sender]
	if s.BalanceChange.String() != "-1000000000000000000" {
		t.Fatalf("sender balance change = %s", s.BalanceChange)
	}
	if s.NonceChange != 1 {
		t.Fatalf("sender nonce change = %d", s.NonceChange)
	}
	if s.CodeChanged || s.Before.IsContract() {
		t.Fatalf("sender should be an EOA without code change")
	}

	c := diffs[contract]
	if c.BalanceChange.String() != "1000000000000000000" {
		t.Fatalf("contract balance change = %s", c.BalanceChange)
	}
	if !c.After.IsContract() || c.CodeChanged {
		t.Fatalf("contract code flags wrong: %+v", c)
	}
	if *c.After.CodeHash != crypto.Keccak256Hash(code) {
		t.Fatalf("code hash mismatch")
	}
}

func TestCaptureStateEmptyCodeIsNotContract(t *testing.T) {
	reader := &fakeReader{heights: map[uint64]map[common.Address]account{
		5: {sender: {balance: big.NewInt(1), code: []byte{}}},
	}}
	snaps, err := NewEngine(reader, nil).CaptureState(context.Background(), big.NewInt(5), []common.Address{sender})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snaps[sender].CodeHash != nil || snaps[sender].IsContract() {
		t.Fatalf("empty code must map to the no-code sentinel")
	}
}

func TestDiffDetectsDeployment(t *testing.T) {
	reader := &fakeReader{heights: map[uint64]map[common.Address]account{
		1: {contract: {}},
		2: {contract: {code: []byte{0x00}, nonce: 1}},
	}}
	diffs, err := NewEngine(reader, nil).Diff(context.Background(), big.NewInt(1), big.NewInt(2), []common.Address{contract})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !diffs[contract].CodeChanged {
		t.Fatalf("deployment should set code changed")
	}
}

func TestCaptureStateError(t *testing.T) {
	reader := &fakeReader{
		heights: map[uint64]map[common.Address]account{1: {}},
		failOn:  contract,
	}
	_, err := NewEngine(reader, nil).CaptureState(context.Background(), big.NewInt(1), []common.Address{sender, contract})
	if err == nil {
		t.Fatalf("expected error")
	}
	if apperr.KindOf(err) != apperr.KindNetwork {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
}
