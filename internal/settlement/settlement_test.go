package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/wallet"
)

// fakeWallet records transfers and fails the ones whose memo is listed in
// failMemo.
type fakeWallet struct {
	mu         sync.Mutex
	balance    float64
	balanceErr error
	failMemo   map[string]bool
	transfers  []wallet.Transfer
}

func (f *fakeWallet) Balance(context.Context) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeWallet) Transfer(_ context.Context, t wallet.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMemo[t.Memo] {
		return "", wallet.ErrInsufficient
	}
	f.transfers = append(f.transfers, t)
	return "0xtx-" + t.Memo, nil
}

func (f *fakeWallet) Capability(_ context.Context, agentID string) (wallet.Capability, error) {
	if agentID == "" {
		return nil, wallet.ErrUnavailable
	}
	return f, nil
}

type fakeMetrics struct {
	settlements []string
	upstream    []string
}

func (m *fakeMetrics) IncSettlement(mode, status string) {
	m.settlements = append(m.settlements, mode+"/"+status)
}
func (m *fakeMetrics) IncUpstreamError(t string) { m.upstream = append(m.upstream, t) }

func newProvider(endpoint string, price float64) *provider.Provider {
	return &provider.Provider{
		ID:            "prov-1",
		Name:          "Weather",
		Category:      "weather",
		Endpoint:      endpoint,
		PayoutAddress: "0xprov",
		BasePrice:     price,
	}
}

func newExecutor(w wallet.Signer) (*Executor, *fakeMetrics) {
	cfg := DefaultConfig()
	cfg.FeeAddress = "0xfee"
	e := NewExecutor(w, cfg)
	m := &fakeMetrics{}
	e.SetMetrics(m)
	return e, m
}

func TestExecuteMockWithoutWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(ProofHeader))
		_, _ = w.Write([]byte(`{"temp": 21}`))
	}))
	defer srv.Close()

	e, m := newExecutor(nil)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), json.RawMessage(`{"city":"Oslo"}`), 5)
	require.NoError(t, err)

	assert.Equal(t, ModeMock, res.Payment.Mode)
	assert.Equal(t, StatusUnsettled, res.Payment.Status)
	assert.False(t, res.Payment.Billable())

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &body))
	assert.Equal(t, true, body["mock"])
	assert.Equal(t, "prov-1", body["provider_id"])
	assert.Equal(t, map[string]any{"temp": float64(21)}, body["data"])
	assert.Equal(t, []string{"mock/unsettled"}, m.settlements)
}

func TestExecuteMockOnLowBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	// 0.01 * 1.01 = 0.0101 is needed.
	fw := &fakeWallet{balance: 0.0100}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeMock, res.Payment.Mode)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	assert.Empty(t, fw.transfers)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &body))
	assert.NotContains(t, body, "data")
}

func TestExecuteMockOnBalanceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balanceErr: errors.New("custody offline")}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 5)
	require.NoError(t, err)
	assert.Equal(t, ModeMock, res.Payment.Mode)
}

func TestExecuteMockProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := newExecutor(nil)
	_, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 5)
	assert.ErrorContains(t, err, "returned 500")
}

func TestExecuteFreeProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0), nil, 5)
	require.NoError(t, err)
	assert.Equal(t, ModeFree, res.Payment.Mode)
	assert.JSONEq(t, `{"ok": true}`, string(res.Data))
	assert.Empty(t, fw.transfers)
}

func TestExecutePayAfterUnchallengedSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "agent-1", r.Header.Get("X-Trustgate-Agent"))
		_, _ = w.Write([]byte(`{"temp": 21}`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, m := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.02), nil, 5)
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, ModeDirect, res.Payment.Mode)
	assert.Equal(t, StatusSettled, res.Payment.Status)
	assert.Equal(t, "0xtx-provider", res.Payment.TxHash)
	assert.Equal(t, "0xtx-routing_fee", res.Payment.FeeTxHash)
	assert.JSONEq(t, `{"temp": 21}`, string(res.Data))

	require.Len(t, fw.transfers, 2)
	assert.Equal(t, wallet.Transfer{To: "0xprov", Amount: 0.02, Token: "USDC", Chain: "base", Memo: "provider"}, fw.transfers[0])
	assert.Equal(t, "0xfee", fw.transfers[1].To)
	assert.InDelta(t, 0.001, fw.transfers[1].Amount, 1e-9)
	assert.Equal(t, []string{"direct/settled"}, m.settlements)
}

func TestExecutePayAfterFailureKeepsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"temp": 21}`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10, failMemo: map[string]bool{"provider": true}}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.02), nil, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.False(t, res.Payment.Billable())
	assert.JSONEq(t, `{"temp": 21}`, string(res.Data))
}

// challengeServer demands payment via headers until it sees a valid proof.
func challengeServer(t *testing.T, amount string, proofs *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proof := r.Header.Get(ProofHeader)
		if proof == "" {
			w.Header().Set("X-Payment-Amount", amount)
			w.Header().Set("X-Payment-Token", "USDC")
			w.Header().Set("X-Payment-Chain", "base")
			w.Header().Set("X-Payment-To", "0xchallenge")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		mu.Lock()
		*proofs = append(*proofs, proof)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"paid": true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteChallengeHeaders(t *testing.T) {
	var proofs []string
	srv := challengeServer(t, "0.0100", &proofs)

	fw := &fakeWallet{balance: 10}
	e, m := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 0)
	require.NoError(t, err)

	assert.Equal(t, ModeChallenge, res.Payment.Mode)
	assert.Equal(t, StatusSettled, res.Payment.Status)
	assert.JSONEq(t, `{"paid": true}`, string(res.Data))

	// No fee leg at 0%.
	require.Len(t, fw.transfers, 1)
	assert.Equal(t, "0xchallenge", fw.transfers[0].To)

	require.Len(t, proofs, 1)
	tx, amt, payTo, err := VerifyProof(proofs[0])
	require.NoError(t, err)
	assert.Equal(t, "0xtx-provider", tx)
	assert.Equal(t, 0.01, amt)
	assert.Equal(t, "0xchallenge", payTo)
	assert.Equal(t, []string{"x402/settled"}, m.settlements)
}

func TestExecuteChallengeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ProofHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"amount": 0.01, "payTo": "0xbody"}`))
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 0)
	require.NoError(t, err)

	assert.Equal(t, ModeChallenge, res.Payment.Mode)
	assert.Equal(t, `"ok"`, string(res.Data))
	require.Len(t, fw.transfers, 1)
	assert.Equal(t, wallet.Transfer{To: "0xbody", Amount: 0.01, Token: "USDC", Chain: "base", Memo: "provider"}, fw.transfers[0])
}

func TestExecuteOverchargeTolerance(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"at listed price", "1.00", false},
		{"at tolerance", "1.05", false},
		{"above tolerance", "1.051", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var proofs []string
			srv := challengeServer(t, tt.amount, &proofs)

			fw := &fakeWallet{balance: 100}
			e, _ := newExecutor(fw)
			_, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 1.0), nil, 0)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOvercharge)
				assert.Empty(t, fw.transfers)
				return
			}
			require.NoError(t, err)
			assert.Len(t, fw.transfers, 1)
		})
	}
}

func TestExecuteFeeLegFailure(t *testing.T) {
	var proofs []string
	srv := challengeServer(t, "0.02", &proofs)

	fw := &fakeWallet{balance: 10, failMemo: map[string]bool{"routing_fee": true}}
	e, m := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.02), nil, 5)
	require.NoError(t, err)

	assert.Equal(t, StatusFeeUnsettled, res.Payment.Status)
	assert.True(t, res.Payment.Billable())
	assert.Empty(t, res.Payment.FeeTxHash)
	assert.Equal(t, []string{"x402/fee_unsettled"}, m.settlements)
}

func TestExecuteDirectAfterMalformedChallenge(t *testing.T) {
	var proofs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.Header.Get(ProofHeader); p != "" {
			proofs = append(proofs, p)
			_, _ = w.Write([]byte(`{"direct": true}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, _ := newExecutor(fw)
	res, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.02), nil, 0)
	require.NoError(t, err)

	assert.Equal(t, ModeDirect, res.Payment.Mode)
	assert.JSONEq(t, `{"direct": true}`, string(res.Data))
	require.Len(t, proofs, 1)
	_, amt, payTo, err := VerifyProof(proofs[0])
	require.NoError(t, err)
	assert.Equal(t, 0.02, amt)
	assert.Equal(t, "0xprov", payTo)
}

func TestExecuteSettlementErrorAfterPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ProofHeader) == "" {
			w.Header().Set("X-Payment-Amount", "0.01")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, _ := newExecutor(fw)
	_, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 0)

	var se *gwerr.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "0xtx-provider", se.TxHash)
	assert.Equal(t, "paid_not_executed", gwerr.CodeOf(err))
}

func TestExecuteUnexpectedProbeStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fw := &fakeWallet{balance: 10}
	e, _ := newExecutor(fw)
	_, err := e.Execute(context.Background(), "agent-1", newProvider(srv.URL, 0.01), nil, 0)
	assert.ErrorContains(t, err, "returned 503")
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, fw.transfers)
}

func TestExecuteTransportErrorCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e, m := newExecutor(nil)
	_, err := e.Execute(context.Background(), "agent-1", newProvider(url, 0.01), nil, 0)
	require.Error(t, err)
	assert.Equal(t, []string{"connection_refused"}, m.upstream)
	assert.Empty(t, m.settlements)
}
