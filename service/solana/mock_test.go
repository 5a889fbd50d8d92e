package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/stagehop/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: each test sets the functions it needs.
type mockRPCClient struct {
	mu sync.Mutex

	accountInfo    func(pk solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	rent           uint64
	blockhash      solana.Hash
	sendErr        error
	sent           []*solana.Transaction
	statuses       func(call int) (*rpc.GetSignatureStatusesResult, error)
	statusCalls    int
	simulate       func(tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	signatures     func(opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	signatureOpts  []*rpc.GetSignaturesForAddressOpts
	transactions   map[solana.Signature]*rpc.GetTransactionResult
	transactionErr error
	rawCall        func(method string, params []interface{}) ([]byte, error)
}

var _ RPCClient = (*mockRPCClient)(nil)

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if m.accountInfo == nil {
		return nil, rpc.ErrNotFound
	}
	return m.accountInfo(account)
}

func (m *mockRPCClient) GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error) {
	return m.rent, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (m *mockRPCClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = append(m.sent, tx)
	return tx.Signatures[0], nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	call := m.statusCalls
	m.statusCalls++
	m.mu.Unlock()
	if m.statuses == nil {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return m.statuses(call)
}

func (m *mockRPCClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
	if m.simulate == nil {
		return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{}}, nil
	}
	return m.simulate(tx)
}

func (m *mockRPCClient) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	m.signatureOpts = append(m.signatureOpts, opts)
	m.mu.Unlock()
	return m.signatures(opts)
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if m.transactionErr != nil {
		return nil, m.transactionErr
	}
	return m.transactions[signature], nil
}

func (m *mockRPCClient) RPCCallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error {
	raw, err := m.rawCall(method, params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2, Retryable: retry.IsRateLimited}
}

func newTestClient(mock *mockRPCClient) *Client {
	return NewClient(mock, "test", nil, testLogger(),
		WithRetryPolicy(fastRetry()),
		WithPollInterval(5*time.Millisecond),
	)
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func testSignature(b byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = b
	}
	return sig
}

// resultFromTx renders tx the way an RPC node returns it with base64
// encoding, then decodes it back into a GetTransactionResult.
func resultFromTx(t *testing.T, tx *solana.Transaction, slot uint64, blockTime int64, meta string) *rpc.GetTransactionResult {
	t.Helper()
	return decodeResult(t, resultJSON(t, tx, slot, blockTime, meta))
}

func resultJSON(t *testing.T, tx *solana.Transaction, slot uint64, blockTime int64, meta string) json.RawMessage {
	t.Helper()
	bin, err := tx.MarshalBinary()
	require.NoError(t, err)
	if meta == "" {
		meta = `{"err":null,"loadedAddresses":{"writable":[],"readonly":[]}}`
	}
	raw, err := json.Marshal(map[string]interface{}{
		"slot":        slot,
		"blockTime":   blockTime,
		"transaction": []string{base64.StdEncoding.EncodeToString(bin), "base64"},
		"meta":        json.RawMessage(meta),
	})
	require.NoError(t, err)
	return raw
}

func decodeResult(t *testing.T, raw json.RawMessage) *rpc.GetTransactionResult {
	t.Helper()
	var out rpc.GetTransactionResult
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

var errRateLimited = errors.New("HTTP 429 Too Many Requests")
