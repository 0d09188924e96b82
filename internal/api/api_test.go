package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/compliance"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/metrics"
	"coin_ledger/internal/proposal"
	"coin_ledger/internal/settlement"
	"coin_ledger/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const jwtSecret = "api-test-secret"

var webhookSecret = []byte("webhook-secret")

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

type server struct {
	t      *testing.T
	router *gin.Engine
	tokens map[string]string
	ids    map[string]uint
	deps   *Deps
	ledger *ledger.Service
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.Open(context.Background()))
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cache := &mapCache{data: map[string][]byte{}}
	dir := compliance.NewCachedDirectory(compliance.NewStoreDirectory(s), cache, time.Minute, logger)
	gate := compliance.NewRuleGate(dir, compliance.Rules{SanctionedJurisdictions: []string{"KP"}}, logger)
	sink := audit.NewSink(s, logger)
	cfg := ledger.DefaultConfig()
	cfg.MaxSupply = decimal.NewFromInt(1000)
	l := ledger.New(s, gate, sink, cfg, logger, m)
	wf := proposal.New(s, l, sink, proposal.Config{RequiredApprovals: 2}, logger, m)

	d := &Deps{
		Store:            s,
		Ledger:           l,
		Proposals:        wf,
		Audit:            sink,
		Cache:            cache,
		Identities:       dir,
		Log:              logger,
		JWTSecret:        jwtSecret,
		SettlementSecret: webhookSecret,
		AdminUsernames:   []string{"root", "ops", "treasury"},
	}
	srv := &server{t: t, router: NewRouter(d, m, reg), tokens: map[string]string{}, ids: map[string]uint{}, deps: d, ledger: l}
	for _, name := range []string{"root", "ops", "treasury", "bob", "carol"} {
		srv.register(name)
	}
	return srv
}

func (s *server) do(method, path, user string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token := s.tokens[user]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *server) register(name string) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/user", "", gin.H{"username": name, "password": "password1", "jurisdiction": "za"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[struct {
		User domain.User `json:"user"`
	}](s.t, w)
	s.ids[name] = resp.User.ID

	w = s.do(http.MethodPost, "/user/login", "", gin.H{"username": name, "password": "password1"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	s.tokens[name] = decode[AuthResponse](s.t, w).Token
}

func (s *server) mint(user string, amount int64) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/admin/mint", "root", gin.H{"user_id": s.ids[user], "amount": amount})
}

type walletResponse struct {
	Wallet domain.Wallet `json:"wallet"`
	Cached bool          `json:"cached"`
}

type txResponse struct {
	Transaction domain.Transaction `json:"transaction"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestRegisterAndLogin(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/user", "", gin.H{"username": "Bob", "password": "password1", "jurisdiction": "ZA"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Username already exists", decode[errorResponse](t, w).Error)

	w = s.do(http.MethodPost, "/user", "", gin.H{"username": "dave1", "password": "password1", "jurisdiction": "ZA"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/user", "", gin.H{"username": strings.Repeat("a", 65), "password": "password1", "jurisdiction": "ZA"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Username must be 1-64 letters", decode[errorResponse](t, w).Error)
	w = s.do(http.MethodPost, "/user", "", gin.H{"username": strings.Repeat("a", 64), "password": "password1", "jurisdiction": "ZA"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, "/user", "", gin.H{"username": "dave", "password": "short", "jurisdiction": "ZA"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/user", "", gin.H{"username": "dave", "password": "password1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/user/login", "", gin.H{"username": "bob", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(http.MethodPost, "/user/login", "", gin.H{"username": "nobody", "password": "password1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[walletResponse](t, w)
	assert.Equal(t, s.ids["bob"], resp.Wallet.OwnerID)
	assert.True(t, resp.Wallet.Balance.IsZero())
}

func TestWalletFlow(t *testing.T) {
	s := newServer(t)

	w := s.mint("bob", 100)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[walletResponse](t, w).Cached)
	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	resp := decode[walletResponse](t, w)
	assert.True(t, resp.Cached)
	assert.Equal(t, "100", resp.Wallet.Balance.String())

	w = s.do(http.MethodPost, "/wallet/transfer", "bob", gin.H{"to_username": "carol", "amount": "30.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusCompleted, decode[txResponse](t, w).Transaction.Status)

	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	resp = decode[walletResponse](t, w)
	assert.False(t, resp.Cached, "transfer must drop the cached wallet")
	assert.Equal(t, "69.5", resp.Wallet.Balance.String())

	w = s.do(http.MethodPost, "/wallet/transfer", "bob", gin.H{"to_username": "carol", "amount": 1000})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "InsufficientBalance", decode[errorResponse](t, w).Kind)

	w = s.do(http.MethodPost, "/wallet/transfer", "bob", gin.H{"to_username": "nobody", "amount": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodPost, "/wallet/transfer", "bob", gin.H{"to_username": "bob", "amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/wallet/transfer", "bob", gin.H{"to_username": "carol", "amount": -1})
	assert.Equal(t, "InvalidAmount", decode[errorResponse](t, w).Kind)

	w = s.do(http.MethodGet, "/wallet/transactions", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[HistoryPage](t, w)
	assert.Equal(t, int64(1), page.Total)
	assert.False(t, page.Cached)
	w = s.do(http.MethodGet, "/wallet/transactions", "carol", nil)
	assert.True(t, decode[HistoryPage](t, w).Cached)

	w = s.do(http.MethodGet, "/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHugePageNumbers(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.mint("bob", 10).Code)
	huge := strconv.Itoa(math.MaxInt/20 + 2)

	w := s.do(http.MethodGet, "/wallet/transactions?page="+huge, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[HistoryPage](t, w).Page)

	w = s.do(http.MethodGet, "/admin/transactions?page="+huge, "root", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[HistoryPage](t, w).Page)
}

func TestSupplyCapOverHTTP(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.mint("bob", 900).Code)

	w := s.mint("carol", 101)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SupplyCapExceeded", decode[errorResponse](t, w).Kind)
}

func TestProposalFlow(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/admin/proposals", "root", gin.H{
		"recipient_id": s.ids["carol"], "amount": 250, "compliance_hash": "kyc-doc-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	type proposalResponse struct {
		Proposal    domain.MintProposal `json:"proposal"`
		Transaction *domain.Transaction `json:"transaction"`
	}
	id := decode[proposalResponse](t, w).Proposal.ID
	base := "/admin/proposals/" + id

	w = s.do(http.MethodPost, base+"/execute", "root", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ApprovalThresholdNotMet", decode[errorResponse](t, w).Kind)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/approve", "ops", nil).Code)
	w = s.do(http.MethodPost, base+"/approve", "treasury", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ProposalApproved, decode[proposalResponse](t, w).Proposal.Status)

	w = s.do(http.MethodPost, base+"/execute", "root", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	executed := decode[proposalResponse](t, w)
	assert.Equal(t, domain.ProposalExecuted, executed.Proposal.Status)
	require.NotNil(t, executed.Transaction)
	assert.Equal(t, "250", executed.Transaction.Amount.String())

	w = s.do(http.MethodPost, base+"/execute", "root", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DuplicateExecution", decode[errorResponse](t, w).Kind)

	w = s.do(http.MethodPost, base+"/reject", "root", gin.H{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, base, "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[proposalResponse](t, w).Proposal.Approvals, 2)

	w = s.do(http.MethodGet, "/admin/proposals/missing", "ops", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/wallet", "carol", nil)
	assert.Equal(t, "250", decode[walletResponse](t, w).Wallet.Balance.String())
}

func TestComplianceProfileUpdate(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.mint("carol", 10).Code)

	path := fmt.Sprintf("/admin/users/%d/compliance", s.ids["carol"])
	w := s.do(http.MethodPut, path, "root", gin.H{"jurisdiction": "kp", "kyc_verified": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := decode[struct {
		User domain.User `json:"user"`
	}](t, w).User
	assert.Equal(t, "KP", user.Jurisdiction)
	assert.True(t, user.KYCVerified)

	// The identity cached by the first mint must not survive the update.
	w = s.mint("carol", 10)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ComplianceViolation", decode[errorResponse](t, w).Kind)

	w = s.do(http.MethodGet, "/admin/audit?event_type="+domain.EventComplianceProfileUpdated, "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[struct {
		Entries []domain.AuditLogEntry `json:"entries"`
	}](t, w).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, s.ids["carol"], *entries[0].UserID)

	w = s.do(http.MethodGet, "/admin/audit?event_type="+domain.EventMintBlockedSanction, "root", nil)
	assert.Len(t, decode[struct {
		Entries []domain.AuditLogEntry `json:"entries"`
	}](t, w).Entries, 1)

	w = s.do(http.MethodPut, "/admin/users/999/compliance", "root", gin.H{"jurisdiction": "ZA"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodPut, "/admin/users/abc/compliance", "root", gin.H{"jurisdiction": "ZA"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWithdrawAndWebhook(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.mint("bob", 100).Code)

	w := s.do(http.MethodPost, "/wallet/withdraw", "bob", gin.H{"amount": 40, "destination": "bank:123"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	withdrawal := decode[txResponse](t, w).Transaction
	assert.Equal(t, domain.StatusPending, withdrawal.Status)

	webhook := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(settlement.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}
	body, err := json.Marshal(settlement.Event{TransactionID: withdrawal.ID, Status: "completed", ExternalRef: "bank-tx-9"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, webhook(body, settlement.Sign([]byte("nope"), body)).Code)

	w = webhook(body, settlement.Sign(webhookSecret, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settled := decode[txResponse](t, w).Transaction
	assert.Equal(t, domain.StatusCompleted, settled.Status)
	assert.Equal(t, "bank-tx-9", settled.ExternalRef)

	w = webhook(body, settlement.Sign(webhookSecret, body))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/admin/supply", "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[ledger.Report](t, w)
	assert.True(t, report.Balanced)
	assert.Equal(t, "40", report.Redeemed.String())
	assert.Equal(t, "60", report.Circulating.String())

	w = s.do(http.MethodGet, fmt.Sprintf("/admin/transactions?user_id=%d&type=withdrawal", s.ids["bob"]), "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[HistoryPage](t, w).Total)
	w = s.do(http.MethodGet, "/admin/transactions?from=yesterday", "root", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type rejectingProcessor struct{}

func (rejectingProcessor) Payout(context.Context, ledger.PayoutRequest) (string, error) {
	return "", settlement.ErrRejected
}

func TestPayoutRefundRefreshesCachedWallet(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.mint("bob", 100).Code)

	logger, _ := test.NewNullLogger()
	notified := make(chan uint, 1)
	d := settlement.NewDispatcher(s.ledger, rejectingProcessor{}, settlement.DispatcherConfig{
		OnOutcome: func(ctx context.Context, record *domain.Transaction) {
			s.deps.InvalidateSender(ctx, record)
			notified <- record.ID
		},
	}, logger, nil)
	s.ledger.UsePayouts(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := s.do(http.MethodPost, "/wallet/withdraw", "bob", gin.H{"amount": 40})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	withdrawal := decode[txResponse](t, w).Transaction

	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	assert.Equal(t, "60", decode[walletResponse](t, w).Wallet.Balance.String())
	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	require.True(t, decode[walletResponse](t, w).Cached)

	go func() { _ = d.Run(ctx) }()
	select {
	case id := <-notified:
		assert.Equal(t, withdrawal.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("payout outcome not reported")
	}

	w = s.do(http.MethodGet, "/wallet", "bob", nil)
	resp := decode[walletResponse](t, w)
	assert.False(t, resp.Cached)
	assert.Equal(t, "100", resp.Wallet.Balance.String())
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/admin/supply", "/admin/audit", "/admin/transactions"} {
		assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "bob", nil).Code, path)
		assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, path, "", nil).Code, path)
	}
	w := s.do(http.MethodPost, "/admin/mint", "bob", gin.H{"user_id": s.ids["bob"], "amount": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)

	w := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coin_ledger_http_requests_total")
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInsufficientBalance, http.StatusPaymentRequired},
		{domain.ErrComplianceViolation, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", domain.ErrSupplyCapExceeded), http.StatusConflict},
		{domain.ErrDuplicateExecution, http.StatusConflict},
		{domain.ErrWalletNotFound, http.StatusNotFound},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}
