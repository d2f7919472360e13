package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sms-rental-ledger/internal/auditor"
	"sms-rental-ledger/internal/database"
	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/listener"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	created   int
	cancelled []string
}

func (f *fakeProvider) Name() string { return "smsfast" }

func (f *fakeProvider) CreateOrder(_ context.Context, req models.OrderRequest) (*models.ProviderOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &models.ProviderOrder{OrderId: fmt.Sprintf("ord-%d", f.created), Status: provider.StatusWaiting}, nil
}

func (f *fakeProvider) GetOrder(_ context.Context, orderId string) (*models.ProviderOrder, error) {
	return &models.ProviderOrder{OrderId: orderId, Status: provider.StatusWaiting}, nil
}

func (f *fakeProvider) CancelOrder(_ context.Context, orderId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderId)
	return nil
}

type testServer struct {
	router   http.Handler
	store    *database.Service
	provider *fakeProvider
	dbPath   string
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "api.db")
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         dbPath,
		MaxOpenConns: 4,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)

	fp := &fakeProvider{}
	registry := provider.NewRegistry()
	registry.Register(models.ProviderConfig{Name: "smsfast", ActivationDuration: 20 * time.Minute}, fp)

	eng := engine.NewEngine(service, nil)
	l := listener.NewConfirmationListener(listener.ConfirmationListenerConfig{
		Engine:    eng,
		DbService: service,
		Providers: registry,
	})
	svc := NewLedgerService(service, eng, auditor.NewAuditor(service, decimal.Zero), registry, l)

	ctx := context.Background()
	for _, userId := range []string{"alice", "bob"} {
		_, err := service.CreateUser(ctx, userId)
		require.NoError(t, err)
		_, err = service.TopUp(ctx, userId, decimal.NewFromInt(100), "seed")
		require.NoError(t, err)
	}

	return &testServer{
		router:   NewRouter(NewHandler(svc), secret),
		store:    service,
		provider: fp,
		dbPath:   dbPath,
	}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func purchaseBody(userId string, amount string) map[string]any {
	return map[string]any{
		"user_id":  userId,
		"kind":     "activation",
		"amount":   amount,
		"provider": "smsfast",
		"service":  "telegram",
		"country":  "us",
	}
}

func (s *testServer) ledger(t *testing.T, userId string) *models.UserLedger {
	t.Helper()
	l, err := s.store.GetLedger(context.Background(), userId)
	require.NoError(t, err)
	return l
}

func TestPurchase_Success(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	r := decode[models.Reservation](t, rec)
	assert.Equal(t, models.StatePending, r.State)
	assert.Equal(t, "smsfast", r.Provider)
	assert.Equal(t, "ord-1", r.ProviderOrderId)
	assert.True(t, r.FrozenAmount.Equal(decimal.NewFromInt(20)))
	assert.WithinDuration(t, time.Now().Add(20*time.Minute), r.Deadline, time.Minute)
	assert.Equal(t, "/api/v1/reservations/"+r.Id, rec.Header().Get("Location"))

	l := s.ledger(t, "alice")
	assert.True(t, l.Balance.Equal(decimal.NewFromInt(100)))
	assert.True(t, l.FrozenBalance.Equal(decimal.NewFromInt(20)))
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "150"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "cannot reserve, insufficient balance", decode[map[string]string](t, rec)["error"])
	assert.Equal(t, 0, s.provider.created, "provider must not be called")
	assert.True(t, s.ledger(t, "alice").FrozenBalance.IsZero())
}

func TestPurchase_ProviderRejectionReleasesHold(t *testing.T) {
	s := newTestServer(t, "")
	s.provider.createErr = fmt.Errorf("%w: no_numbers", provider.ErrOrderRejected)

	rec := s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20"))
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	l := s.ledger(t, "alice")
	assert.True(t, l.FrozenBalance.IsZero())
	assert.True(t, l.Balance.Equal(decimal.NewFromInt(100)))

	ops, err := s.store.GetOperations(context.Background(), "alice", 10, 0)
	require.NoError(t, err)
	var refund *models.LedgerOperation
	for i := range ops {
		if ops[i].Kind == models.OpRefund {
			refund = &ops[i]
		}
	}
	require.NotNil(t, refund)
	assert.Equal(t, models.ReasonProviderRejected, refund.Reason)
}

func TestPurchase_ProviderUnavailable(t *testing.T) {
	s := newTestServer(t, "")
	s.provider.createErr = fmt.Errorf("%w: timeout", provider.ErrUnavailable)

	rec := s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, s.ledger(t, "alice").FrozenBalance.IsZero())
}

func TestPurchase_Validation(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"zero amount", purchaseBody("alice", "0"), http.StatusBadRequest},
		{"unknown provider", func() map[string]any { b := purchaseBody("alice", "5"); b["provider"] = "nope"; return b }(), http.StatusBadRequest},
		{"unknown kind", func() map[string]any { b := purchaseBody("alice", "5"); b["kind"] = "lease"; return b }(), http.StatusBadRequest},
		{"bad duration", func() map[string]any { b := purchaseBody("alice", "5"); b["duration"] = "soon"; return b }(), http.StatusBadRequest},
		{"unknown user", purchaseBody("carol", "5"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/reservations", "", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_Idempotent(t *testing.T) {
	s := newTestServer(t, "")
	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20")))

	rec := s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[models.RefundResult](t, rec)
	assert.False(t, result.Idempotent)
	assert.Equal(t, models.StateReleased, result.Reservation.State)
	assert.Equal(t, models.ReasonUserCancelled, result.Reservation.Reason)
	assert.Equal(t, []string{"ord-1"}, s.provider.cancelled)

	rec = s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.RefundResult](t, rec).Idempotent)

	assert.True(t, s.ledger(t, "alice").FrozenBalance.IsZero())
}

func TestCommit_WithActualAmount(t *testing.T) {
	s := newTestServer(t, "")
	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20")))

	rec := s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/commit", "", map[string]string{"actual_amount": "17.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[models.CommitResult](t, rec)
	assert.Equal(t, models.StateSettled, result.Reservation.State)

	l := s.ledger(t, "alice")
	assert.True(t, l.Balance.Equal(decimal.RequireFromString("82.5")), l.Balance.String())
	assert.True(t, l.FrozenBalance.IsZero())

	// Cancel after commit is a no-op.
	rec = s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.RefundResult](t, rec).Idempotent)
}

func TestCommit_NoBodyChargesRequested(t *testing.T) {
	s := newTestServer(t, "")
	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20")))

	rec := s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/commit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.ledger(t, "alice").Balance.Equal(decimal.NewFromInt(80)))
}

func TestReservation_NotFound(t *testing.T) {
	s := newTestServer(t, "")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/reservations/missing", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/reservations/missing/cancel", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/reservations/missing/commit", "", nil).Code)
}

func TestProviderWebhook_SettlesReservation(t *testing.T) {
	s := newTestServer(t, "")
	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20")))

	event := map[string]string{"event_id": "evt-1", "order_id": r.ProviderOrderId, "status": "code_received", "code": "4242"}
	rec := s.do(t, http.MethodPost, "/api/v1/providers/smsfast/events", "", event)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(listener.OutcomeSettled), decode[map[string]string](t, rec)["outcome"])

	rec = s.do(t, http.MethodPost, "/api/v1/providers/smsfast/events", "", event)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(listener.OutcomeDuplicate), decode[map[string]string](t, rec)["outcome"])

	got := decode[models.Reservation](t, s.do(t, http.MethodGet, "/api/v1/reservations/"+r.Id, "", nil))
	assert.Equal(t, models.StateSettled, got.State)

	rec = s.do(t, http.MethodPost, "/api/v1/providers/smsfast/events", "", map[string]string{"order_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/providers/smsfast/events", "", map[string]string{"provider": "other", "order_id": "x", "status": "failed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerAndOperations(t *testing.T) {
	s := newTestServer(t, "")
	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", "", purchaseBody("alice", "20")))

	rec := s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[LedgerView](t, rec)
	assert.True(t, view.Available.Equal(decimal.NewFromInt(80)))
	require.Len(t, view.Pending, 1)
	assert.Equal(t, r.Id, view.Pending[0].Id)

	rec = s.do(t, http.MethodGet, "/api/v1/users/alice/operations?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decode[[]models.LedgerOperation](t, rec)
	require.Len(t, ops, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/reservations/"+r.Id+"/operations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resOps := decode[[]models.LedgerOperation](t, rec)
	require.Len(t, resOps, 1)
	assert.Equal(t, models.OpFreeze, resOps[0].Kind)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/users/carol/ledger", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/users/carol/operations", "", nil).Code)
}

func TestAudit_DriftAndCorrect(t *testing.T) {
	s := newTestServer(t, testSecret)
	ops := token(t, "ops-alice", RoleOps)
	s.do(t, http.MethodPost, "/api/v1/reservations", token(t, "alice", ""), purchaseBody("alice", "20"))

	raw, err := sql.Open("sqlite3", s.dbPath+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE user_ledgers SET frozen_balance = '35' WHERE user_id = 'alice'`)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/audit/drift", ops, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reports := decode[[]models.DriftReport](t, rec)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, r.UserId == "alice", r.Drifted, r.UserId)
		if r.UserId == "alice" {
			assert.True(t, r.AbsDifference.Equal(decimal.NewFromInt(15)), r.AbsDifference.String())
		}
	}

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/audit/drift", token(t, "alice", ""), nil).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/audit/users/alice/correct", ops, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[models.DriftReport](t, rec)
	assert.True(t, report.Corrected)
	require.NotNil(t, report.Adjustment)
	assert.Contains(t, report.Adjustment.Reason, "ops-alice")
	assert.True(t, s.ledger(t, "alice").FrozenBalance.Equal(decimal.NewFromInt(20)))
}

func TestJWTAuth(t *testing.T) {
	s := newTestServer(t, testSecret)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", "garbage", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", token(t, "alice", ""), nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", token(t, "bob", ""), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", token(t, "ops", RoleOps), nil).Code)

	// Buying on someone else's balance.
	rec := s.do(t, http.MethodPost, "/api/v1/reservations", token(t, "bob", ""), purchaseBody("alice", "5"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	r := decode[models.Reservation](t, s.do(t, http.MethodPost, "/api/v1/reservations", token(t, "alice", ""), purchaseBody("alice", "5")))
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/cancel", token(t, "bob", ""), nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/commit", token(t, "alice", ""), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/reservations/"+r.Id+"/cancel", token(t, "alice", ""), nil).Code)

	// Health and metrics stay public.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestJWTAuth_RejectsOtherAlgorithms(t *testing.T) {
	s := newTestServer(t, testSecret)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/users/alice/ledger", signed, nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{engine.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", engine.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{store.ErrUserNotFound, http.StatusNotFound},
		{engine.ErrReservationNotFound, http.StatusNotFound},
		{store.ErrDuplicateOrder, http.StatusConflict},
		{provider.ErrOrderRejected, http.StatusConflict},
		{provider.ErrUnavailable, http.StatusBadGateway},
		{engine.ErrLedgerCorrupted, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		code, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
