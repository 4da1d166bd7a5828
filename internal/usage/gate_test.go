package usage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/billing"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/kv"
)

var testNow = time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)

type fakeBilling struct {
	allow bool
	err   error
	asked []int64
}

func (f *fakeBilling) AllowOverage(_ context.Context, _ string, overage int64) (bool, error) {
	f.asked = append(f.asked, overage)
	return f.allow, f.err
}

func freeAgent(limit int64) *auth.Agent {
	return &auth.Agent{ID: "agent-1", AccountID: "acct-1", Plan: auth.Plan{Tier: auth.TierFree, DailyLimit: limit}}
}

func paidAgent(limit int64) *auth.Agent {
	return &auth.Agent{ID: "agent-1", AccountID: "acct-1", Plan: auth.Plan{Tier: "pro", DailyLimit: limit}}
}

func newTestGate(b billing.Collaborator) (*Gate, *kv.Memory) {
	store := kv.NewMemory(func() time.Time { return testNow })
	g := NewGate(store, b)
	g.SetClock(func() time.Time { return testNow })
	return g, store
}

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "usage:acct-1:2025-06-01", CounterKey("acct-1", testNow))
	local := time.Date(2025, 6, 2, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "usage:acct-1:2025-06-01", CounterKey("acct-1", local))
}

func TestFreeTierHardBlocks(t *testing.T) {
	g, _ := newTestGate(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Check(ctx, freeAgent(3))
		require.NoError(t, err)
	}
	d, err := g.Check(ctx, freeAgent(3))
	var be *gwerr.BudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily_limit_exceeded", be.Code())
	assert.Equal(t, http.StatusPaymentRequired, be.HTTPStatus())
	assert.Equal(t, int64(1), d.Overage)
}

func TestPaidTierAsksBilling(t *testing.T) {
	fb := &fakeBilling{allow: true}
	g, _ := newTestGate(fb)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := g.Check(ctx, paidAgent(2))
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2}, fb.asked)

	fb.allow = false
	_, err := g.Check(ctx, paidAgent(2))
	var ob *gwerr.OverageBlocked
	require.ErrorAs(t, err, &ob)
	assert.Equal(t, int64(3), ob.Overage)
	assert.Equal(t, "overage_blocked", gwerr.CodeOf(err))
}

func TestBillingErrorFailsOpen(t *testing.T) {
	g, _ := newTestGate(&fakeBilling{err: errors.New("billing down")})
	ctx := context.Background()

	_, _ = g.Check(ctx, paidAgent(1))
	_, err := g.Check(ctx, paidAgent(1))
	assert.NoError(t, err)
}

func TestUnlimitedPlan(t *testing.T) {
	g, _ := newTestGate(nil)
	for i := 0; i < 10; i++ {
		d, err := g.Check(context.Background(), freeAgent(0))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), d.Count)
	}
}

func TestCounterExpiresAfter48h(t *testing.T) {
	now := testNow
	store := kv.NewMemory(func() time.Time { return now })
	g := NewGate(store, nil)
	g.SetClock(func() time.Time { return testNow })

	_, err := g.Check(context.Background(), freeAgent(1))
	require.NoError(t, err)

	now = testNow.Add(47 * time.Hour)
	_, err = store.Get(context.Background(), CounterKey("acct-1", testNow))
	assert.NoError(t, err)

	now = testNow.Add(48*time.Hour + time.Second)
	_, err = store.Get(context.Background(), CounterKey("acct-1", testNow))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

type downStore struct{ kv.Store }

func (downStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	g := NewGate(downStore{}, nil)
	_, err := g.Check(context.Background(), freeAgent(1))
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	g, _ := newTestGate(nil)
	h := Middleware(g, []string{"/health", "/api/v1/budgets"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string, agent *auth.Agent) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if agent != nil {
			req = req.WithContext(auth.ContextWithAgent(req.Context(), agent))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	agent := freeAgent(1)
	rr := do("/api/v1/route/weather", agent)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("X-Usage-Count"))

	rr = do("/api/v1/route/weather", agent)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "daily_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("/api/v1/budgets/b-1", agent).Code)
	assert.Equal(t, http.StatusOK, do("/api/v1/route/weather", nil).Code)
}
