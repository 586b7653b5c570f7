package etherscan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"txreplay/internal/apperr"
)

const (
	testHash   = "0xabc0000000000000000000000000000000000000000000000000000000000001"
	testAPIKey = "ABCDEFGHIJKLMNOPQRSTUVWXYZ12345678"
)

const txResult = `{
  "hash": "0xabc0000000000000000000000000000000000000000000000000000000000001",
  "from": "0x1111111111111111111111111111111111111111",
  "to": "0x2222222222222222222222222222222222222222",
  "nonce": "0x7",
  "type": "0x2",
  "value": "0xde0b6b3a7640000",
  "input": "0xa9059cbb",
  "gas": "0x5208",
  "gasPrice": "0x3b9aca00",
  "maxFeePerGas": "0x77359400",
  "maxPriorityFeePerGas": "0x3b9aca00",
  "blockNumber": "0x64"
}`

const receiptResult = `{"status": "0x0", "gasUsed": "0x5208", "contractAddress": null, "effectiveGasPrice": "0x3b9aca00"}`

const blockResult = `{"number": "0x64", "hash": "0x0000000000000000000000000000000000000000000000000000000000000064", "timestamp": "0x5f5e100", "baseFeePerGas": "0x7"}`

type retryRecord struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryRecord) hook(_ string, _ int, delay time.Duration, _ error) {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
}

func newTestClient(t *testing.T, url string, attempts int, rec *retryRecord) *Client {
	t.Helper()
	opts := []Option{}
	if rec != nil {
		opts = append(opts, WithRetryHook(rec.hook))
	}
	return NewClient(Config{
		BaseURL:        url,
		APIKey:         testAPIKey,
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		RequestTimeout: time.Second,
	}, zap.NewNop(), opts...)
}

func envelopeJSON(result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%s}`, result)
}

func TestNullResultThenSuccess(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= 2 {
			fmt.Fprint(w, envelopeJSON("null"))
			return
		}
		fmt.Fprint(w, envelopeJSON(txResult))
	}))
	defer server.Close()

	rec := &retryRecord{}
	client := newTestClient(t, server.URL, 3, rec)

	tx, err := client.GetTransaction(context.Background(), common.HexToHash(testHash))
	require.NoError(t, err)
	require.Equal(t, uint64(100), tx.BlockNumber)
	require.Equal(t, int32(3), hits.Load())
	require.Len(t, rec.delays, 2)
	require.Equal(t, time.Millisecond, rec.delays[0])
	require.Equal(t, 2*time.Millisecond, rec.delays[1])
}

func TestNullResultExhaustedIsNotFound(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3, nil)
	_, err := client.GetReceipt(context.Background(), common.HexToHash(testHash))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReceiptNotFound), "got %v", err)
	require.Equal(t, apperr.KindIndexing, apperr.KindOf(err))
	require.Equal(t, int32(3), hits.Load())
}

func TestRateLimitRetriesUpToMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max calls per sec rate limit reached (5/sec)"}`)
	}))
	defer server.Close()

	rec := &retryRecord{}
	client := newTestClient(t, server.URL, 4, rec)
	_, err := client.GetTransaction(context.Background(), common.HexToHash(testHash))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRateLimited), "got %v", err)
	require.Equal(t, int32(4), hits.Load())

	require.Len(t, rec.delays, 3)
	for i := 1; i < len(rec.delays); i++ {
		require.Greater(t, rec.delays[i], rec.delays[i-1])
	}
}

func TestHTTPStatusIsRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, envelopeJSON(receiptResult))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3, nil)
	receipt, err := client.GetReceipt(context.Background(), common.HexToHash(testHash))
	require.NoError(t, err)
	require.Equal(t, uint64(0), receipt.Status)
	require.Equal(t, uint64(21000), receipt.GasUsed)
	require.Equal(t, int32(2), hits.Load())
}

func TestHTTPStatusExhaustedSurfacesLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2, nil)
	_, err := client.GetBlock(context.Background(), 100)
	require.Error(t, err)
	require.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	require.Contains(t, err.Error(), "http status 503")
}

func TestNonRateLimitErrorIsNotRetried(t *testing.T) {
	cases := map[string]string{
		"invalid api key":  `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`,
		"rpc error":        `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution aborted"}}`,
		"invalid argument": `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid argument 0"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				fmt.Fprint(w, body)
			}))
			defer server.Close()

			rec := &retryRecord{}
			client := newTestClient(t, server.URL, 5, rec)
			_, err := client.GetTransaction(context.Background(), common.HexToHash(testHash))
			require.Error(t, err)
			require.Equal(t, int32(1), hits.Load())
			require.Empty(t, rec.delays)
		})
	}
}

func TestRPCErrorRateLimitIsRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"Max rate limit reached"}}`)
			return
		}
		fmt.Fprint(w, envelopeJSON(blockResult))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3, nil)
	block, err := client.GetBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), block.Number)
	require.Equal(t, "7", block.BaseFee)
	require.Equal(t, int32(2), hits.Load())
}

func TestQueryParameters(t *testing.T) {
	seen := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seen <- strings.Join([]string{q.Get("module"), q.Get("action"), q.Get("apikey"), q.Get("tag"), q.Get("boolean"), q.Get("chainid")}, "|")
		fmt.Fprint(w, envelopeJSON(blockResult))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:     server.URL + "/v2/api",
		APIKey:      testAPIKey,
		ChainID:     1,
		MaxAttempts: 1,
	}, nil)
	_, err := client.GetBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, "proxy|eth_getBlockByNumber|"+testAPIKey+"|0x64|false|1", <-seen)
}

func TestFetchTransactionBundle(t *testing.T) {
	var blockAfterTx atomic.Bool
	var txDone atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case actionTransaction:
			fmt.Fprint(w, envelopeJSON(txResult))
			txDone.Store(true)
		case actionReceipt:
			fmt.Fprint(w, envelopeJSON(receiptResult))
		case actionBlock:
			blockAfterTx.Store(txDone.Load())
			fmt.Fprint(w, envelopeJSON(blockResult))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3, nil)
	bundle, err := client.FetchTransactionBundle(context.Background(), common.HexToHash(testHash))
	require.NoError(t, err)
	require.True(t, blockAfterTx.Load(), "block must be requested after the transaction")

	tx := bundle.Transaction
	require.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), tx.From)
	require.NotNil(t, tx.To)
	require.Equal(t, "1000000000000000000", tx.Value.String())
	require.Equal(t, uint64(21000), tx.Gas)
	require.Equal(t, uint64(7), tx.Nonce)
	require.Equal(t, uint8(2), tx.Type)
	require.Equal(t, "2000000000", tx.MaxFeePerGas.String())
	require.Equal(t, uint64(99), bundle.ForkBlock())
	require.Equal(t, uint64(0), bundle.Receipt.Status)
	require.Equal(t, uint64(100000000), bundle.Block.Timestamp)
}

func TestFetchTransactionBundlePending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case actionTransaction:
			fmt.Fprint(w, envelopeJSON(strings.Replace(txResult, `"0x64"`, "null", 1)))
		default:
			fmt.Fprint(w, envelopeJSON(receiptResult))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 1, nil)
	_, err := client.FetchTransactionBundle(context.Background(), common.HexToHash(testHash))
	require.Error(t, err)
	require.Contains(t, err.Error(), "pending")
}

func TestBackOffLargeAttemptCountStaysPositive(t *testing.T) {
	b := newBackOff(time.Second, 200)
	b.Reset()

	prev := time.Duration(0)
	for i := 0; i < 199; i++ {
		d := b.NextBackOff()
		if d <= 0 || d > maxRetryInterval {
			t.Fatalf("delay %d = %s, want within (0, %s]", i, d, maxRetryInterval)
		}
		if d < prev {
			t.Fatalf("delay %d = %s shrank from %s", i, d, prev)
		}
		prev = d
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Fatalf("expected stop after the last attempt, got %s", d)
	}
}

func TestRetryCeiling(t *testing.T) {
	if got := retryCeiling(time.Second, 3); got != 4*time.Second {
		t.Fatalf("ceiling = %s, want 4s", got)
	}
	if got := retryCeiling(time.Second, 1000); got != maxRetryInterval {
		t.Fatalf("ceiling = %s, want %s", got, maxRetryInterval)
	}
}
