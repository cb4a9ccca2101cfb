package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/observability"
	"parametric-service/internal/pool"
	"parametric-service/internal/repository"
	"parametric-service/internal/services"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST SERVER
// ============================================================================

const (
	testSecret = "test-secret"
	feedID     = "damage-feed"
	workflow   = "damage-assessment-v1"
	unit       = int64(1_000_000)
)

var (
	opsCaps  = []models.Capability{models.CapPolicyWrite, models.CapPremiumCollect, models.CapPayout, models.CapTreasuryAdmin, models.CapReadAll}
	feedCaps = []models.Capability{models.CapReportSubmit}
)

type testServer struct {
	app     *fiber.App
	auth    *Authenticator
	health  error
	ops     string
	feed    string
	limiter *SourceRateLimiter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rules := services.DefaultRules()
	store := repository.NewMemoryStore(rules.DefaultFeePct)
	reg := prometheus.NewRegistry()
	deps := services.Collaborators{
		Pool:    pool.NewCapitalPool(1_000_000_000*unit, 100),
		Metrics: observability.NewMetrics(reg),
	}
	registry := services.NewPolicyRegistry(store, rules, deps)
	ledger := services.NewTreasuryLedger(store, rules, deps)
	validator := services.NewClaimValidator(store, rules, services.TrustedFeed{
		CallerID: feedID, SourceID: feedID, WorkflowID: workflow,
	}, registry, ledger, deps)
	settlement := services.NewPremiumSettlement(store, registry, ledger, deps)

	s := &testServer{
		app:     fiber.New(),
		auth:    NewAuthenticator(testSecret),
		limiter: NewSourceRateLimiter(1000, 1000),
	}
	Routes{
		Auth:     s.auth,
		Policy:   NewPolicyHandler(registry),
		Report:   NewReportHandler(validator, s.limiter),
		Treasury: NewTreasuryHandler(ledger, settlement),
		Gatherer: reg,
		Checks:   map[string]func() error{"store": func() error { return s.health }},
	}.Register(s.app)

	s.ops = s.token(t, "ops", opsCaps...)
	s.feed = s.token(t, feedID, feedCaps...)
	return s
}

func (s *testServer) token(t *testing.T, subject string, caps ...models.Capability) string {
	t.Helper()
	token, err := s.auth.Sign(subject, caps, time.Hour)
	require.NoError(t, err)
	return token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   utils.APIError  `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "/"+APIPrefix+path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (s *testServer) activePolicy(t *testing.T, farmer string, sumInsured int64) uint64 {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/policies/create", s.ops, models.CreatePolicyRequest{
		Farmer:       farmer,
		PlotRef:      "plot-" + farmer,
		SumInsured:   sumInsured,
		Premium:      sumInsured / 20,
		DurationDays: 180,
		CoverageKind: models.CoverageDrought,
	})
	require.Equal(t, http.StatusCreated, status, "create: %+v", env.Error)
	created := decode[models.CreatePolicyResponse](t, env)

	status, env = s.do(t, http.MethodPost, "/treasury/settle", s.ops, models.ReceivePremiumRequest{
		PolicyID: created.PolicyID, Gross: sumInsured / 20, Payer: farmer,
	})
	require.Equal(t, http.StatusOK, status, "settle: %+v", env.Error)
	return created.PolicyID
}

func (s *testServer) fund(t *testing.T, amount int64) {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/treasury/admin/fund", s.ops, models.CapitalRequest{Amount: amount, From: "investor"})
	require.Equal(t, http.StatusOK, status, "fund: %+v", env.Error)
}

func reportFor(policyID uint64, sumInsured, damage int64) models.SubmitReportRequest {
	return models.SubmitReportRequest{
		Report: models.DamageReport{
			PolicyID:         policyID,
			DamagePercentage: damage,
			WeatherDamage:    damage,
			SatelliteDamage:  damage,
			PayoutAmount:     services.ExpectedPayout(sumInsured, damage),
			AssessedAt:       time.Now().Add(-time.Minute).Unix(),
		},
		Provenance: models.Provenance{SourceID: feedID, WorkflowID: workflow},
	}
}

// ============================================================================
// AUTHENTICATION
// ============================================================================

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/treasury/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	forged, err := NewAuthenticator("other-secret").Sign("ops", opsCaps, time.Hour)
	require.NoError(t, err)
	status, _ = s.do(t, http.MethodGet, "/treasury/summary", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	expired, err := s.auth.Sign("ops", opsCaps, -time.Minute)
	require.NoError(t, err)
	status, _ = s.do(t, http.MethodGet, "/treasury/summary", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthenticator_VerifyCarriesCapabilities(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token, err := auth.Sign("ops", []models.Capability{models.CapPayout}, time.Hour)
	require.NoError(t, err)

	caller, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", caller.ID)
	assert.True(t, caller.Can(models.CapPayout))
	assert.False(t, caller.Can(models.CapTreasuryAdmin))
}

func TestAuth_MissingCapabilityIsForbidden(t *testing.T) {
	s := newTestServer(t)
	reader := s.token(t, "auditor", models.CapReadAll)

	status, env := s.do(t, http.MethodPost, "/treasury/admin/pause", reader, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, services.ErrForbidden.Code, env.Error.Code)

	status, _ = s.do(t, http.MethodGet, "/treasury/summary", reader, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/treasury/audit", reader, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodGet, "/treasury/audit", s.feed, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, services.ErrForbidden.Code, env.Error.Code)
}

// ============================================================================
// POLICIES
// ============================================================================

func TestPolicyRoutes_Lifecycle(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/policies/create", s.ops, models.CreatePolicyRequest{
		Farmer: "farmer-a", PlotRef: "plot-1", SumInsured: 10_000 * unit, Premium: 500 * unit,
		DurationDays: 180, CoverageKind: models.CoverageFlood,
	})
	require.Equal(t, http.StatusCreated, status)
	created := decode[models.CreatePolicyResponse](t, env)
	assert.Equal(t, uint64(1), created.PolicyID)

	status, env = s.do(t, http.MethodGet, "/policies/is-active/1", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, decode[map[string]any](t, env)["is_active"])

	status, env = s.do(t, http.MethodPost, "/policies/activate/1", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.PolicyActive, decode[models.PolicyView](t, env).Status)

	status, env = s.do(t, http.MethodGet, "/policies/farmer/farmer-a", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	farmer := decode[models.FarmerPoliciesResponse](t, env)
	assert.Equal(t, 1, farmer.ActiveCount)
	require.Len(t, farmer.Policies, 1)

	status, env = s.do(t, http.MethodPost, "/policies/cancel/1", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.PolicyCancelled, decode[models.PolicyView](t, env).Status)

	status, env = s.do(t, http.MethodPost, "/policies/activate/1", s.ops, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, services.ErrWrongStatus.Code, env.Error.Code)
}

func TestPolicyRoutes_Validation(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/policies/create", s.ops, models.CreatePolicyRequest{
		Farmer: "farmer-a", PlotRef: "plot-1", SumInsured: 1, Premium: 1, DurationDays: 180, CoverageKind: models.CoverageFlood,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, services.ErrSumInsuredOutOfRange.Code, env.Error.Code)

	status, env = s.do(t, http.MethodPost, "/policies/create", s.ops, models.CreatePolicyRequest{Farmer: "farmer-a"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, services.ErrInvalidRequest.Code, env.Error.Code)

	status, _ = s.do(t, http.MethodGet, "/policies/detail/abc", s.ops, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = s.do(t, http.MethodGet, "/policies/detail/99", s.ops, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, services.ErrPolicyNotFound.Code, env.Error.Code)
}

// ============================================================================
// REPORTS
// ============================================================================

func TestReportRoutes_SubmitPaysOnce(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, 100_000*unit)
	id := s.activePolicy(t, "farmer-a", 10_000*unit)
	report := reportFor(id, 10_000*unit, 5000)

	status, env := s.do(t, http.MethodPost, "/reports/preview", s.feed, report)
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	assert.Equal(t, 5_000*unit, decode[models.ReportPreview](t, env).ExpectedPayout)

	status, env = s.do(t, http.MethodPost, "/reports/submit", s.feed, report)
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	receipt := decode[models.ClaimReceipt](t, env)
	assert.Equal(t, 5_000*unit, receipt.PayoutAmount)
	assert.Equal(t, 1, receipt.ClaimsInBucket)

	status, env = s.do(t, http.MethodPost, "/reports/submit", s.feed, report)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, services.ErrPolicyNotActive.Code, env.Error.Code)

	status, env = s.do(t, http.MethodGet, "/reports/policy/1", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, feedID, decode[models.AcceptedReport](t, env).SourceID)
}

func TestReportRoutes_UntrustedSource(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, 100_000*unit)
	id := s.activePolicy(t, "farmer-a", 10_000*unit)
	impostor := s.token(t, "impostor", models.CapReportSubmit)

	status, env := s.do(t, http.MethodPost, "/reports/submit", impostor, reportFor(id, 10_000*unit, 5000))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, services.ErrUnauthorizedSource.Code, env.Error.Code)
}

func TestReportRoutes_SenderIsAuthenticatedBeforeShape(t *testing.T) {
	s := newTestServer(t)
	impostor := s.token(t, "impostor", models.CapReportSubmit)
	noPolicy := reportFor(0, 10_000*unit, 5000)

	status, env := s.do(t, http.MethodPost, "/reports/submit", impostor, noPolicy)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, services.ErrUnauthorizedSource.Code, env.Error.Code)

	status, env = s.do(t, http.MethodPost, "/reports/submit", s.feed, noPolicy)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, services.ErrPolicyDoesNotExist.Code, env.Error.Code)
}

func TestReportRoutes_ReserveShortfallCarriesDetails(t *testing.T) {
	s := newTestServer(t)
	id := s.activePolicy(t, "farmer-a", 10_000*unit)

	status, env := s.do(t, http.MethodPost, "/reports/submit", s.feed, reportFor(id, 10_000*unit, 5000))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, services.ErrInsufficientReserves.Code, env.Error.Code)
	assert.Contains(t, env.Error.Details, "available")
	assert.Equal(t, float64(5_000*unit), env.Error.Details["requested"])
}

func TestReportRoutes_PausedLedger(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, 100_000*unit)
	id := s.activePolicy(t, "farmer-a", 10_000*unit)

	status, _ := s.do(t, http.MethodPost, "/treasury/admin/pause", s.ops, nil)
	require.Equal(t, http.StatusOK, status)

	status, env := s.do(t, http.MethodPost, "/reports/submit", s.feed, reportFor(id, 10_000*unit, 5000))
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, services.ErrLedgerPaused.Code, env.Error.Code)
}

func TestReportRoutes_RateLimited(t *testing.T) {
	s := newTestServer(t)
	s.limiter.rps = 0
	s.limiter.burst = 1

	status, _ := s.do(t, http.MethodPost, "/reports/preview", s.feed, reportFor(1, 10_000*unit, 5000))
	assert.NotEqual(t, http.StatusTooManyRequests, status)

	status, env := s.do(t, http.MethodPost, "/reports/preview", s.feed, reportFor(1, 10_000*unit, 5000))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)

	status, _ = s.do(t, http.MethodGet, "/reports/policy/1", s.feed, nil)
	assert.NotEqual(t, http.StatusTooManyRequests, status, "reads are not limited")
}

// ============================================================================
// TREASURY
// ============================================================================

func TestTreasuryRoutes(t *testing.T) {
	s := newTestServer(t)
	s.activePolicy(t, "farmer-a", 10_000*unit)

	status, env := s.do(t, http.MethodGet, "/treasury/summary", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	summary := decode[models.TreasurySummary](t, env)
	assert.Equal(t, 500*unit, summary.Balance)
	assert.Equal(t, 50*unit, summary.AccumulatedFees)
	assert.Equal(t, 90*unit, summary.RequiredReserve)

	status, env = s.do(t, http.MethodPut, "/treasury/admin/fee-rate", s.ops, models.FeeRateRequest{FeeRate: 21})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, services.ErrFeeRateTooHigh.Code, env.Error.Code)

	status, env = s.do(t, http.MethodPost, "/treasury/admin/withdraw-fees", s.ops, models.RecipientRequest{Recipient: "ops-wallet"})
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	assert.Equal(t, 50*unit, decode[models.FeesWithdrawnResponse](t, env).Amount)

	status, env = s.do(t, http.MethodGet, "/treasury/audit?limit=2", s.ops, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), decode[map[string]any](t, env)["count"])

	status, _ = s.do(t, http.MethodPost, "/treasury/admin/unpause", s.ops, nil)
	assert.Equal(t, http.StatusConflict, status, "unpause requires a paused ledger")
}

// ============================================================================
// HEALTH AND METRICS
// ============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/checkhealth", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.health = errors.New("redis down")
	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/checkhealth", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.activePolicy(t, "farmer-a", 10_000*unit)
	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parametric_premiums_received_total 1")
}
