package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/gateway"
	"github.com/mmeshcher/laundry-payments/internal/income"
	"github.com/mmeshcher/laundry-payments/internal/middleware"
	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
	"github.com/mmeshcher/laundry-payments/internal/service"
)

const testTxUUID = "250314-092653-1a2b3c4d"

type stubService struct {
	initiateReq service.InitiateRequest
	initiateRes *service.InitiateResult
	initiateErr error

	verifyReq service.VerifyRequest
	receipt   *model.Receipt
	err       error

	statusOwner int64

	payment *model.Payment

	page *service.PaymentPage

	placed *service.PlacedOrder
	orders []model.Order

	backfillOpts income.BackfillOptions
	report       *income.BackfillReport
	audit        *model.IncomeAudit
}

func (s *stubService) InitiatePayment(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error) {
	s.initiateReq = req
	return s.initiateRes, s.initiateErr
}

func (s *stubService) VerifyPayment(ctx context.Context, req service.VerifyRequest) (*model.Receipt, error) {
	s.verifyReq = req
	return s.receipt, s.err
}

func (s *stubService) HandleWalletCallback(ctx context.Context, data string) (*model.Receipt, error) {
	return s.receipt, s.err
}

func (s *stubService) ConfirmBankTransfer(ctx context.Context, c service.BankConfirmation) (*model.Receipt, error) {
	return s.receipt, s.err
}

func (s *stubService) FailPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) CancelPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error) {
	return s.payment, s.err
}

func (s *stubService) PaymentStatus(ctx context.Context, userID int64, txUUID string) (*model.Receipt, error) {
	s.statusOwner = userID
	return s.receipt, s.err
}

func (s *stubService) ListPayments(ctx context.Context, f model.PaymentFilter) (*service.PaymentPage, error) {
	return s.page, s.err
}

func (s *stubService) PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*service.PlacedOrder, error) {
	return s.placed, s.err
}

func (s *stubService) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, s.err
}

func (s *stubService) BackfillIncome(ctx context.Context, opts income.BackfillOptions) (*income.BackfillReport, error) {
	s.backfillOpts = opts
	return s.report, s.err
}

func (s *stubService) AuditIncome(ctx context.Context) (*model.IncomeAudit, error) {
	return s.audit, s.err
}

type testServer struct {
	handler http.Handler
	auth    *middleware.AuthMiddleware
}

func newTestServer(t *testing.T, svc Service) *testServer {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth)

	return &testServer{handler: h.SetupRouter(), auth: auth}
}

func (s *testServer) do(t *testing.T, method, target string, body any, role model.Role) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.auth.IssueToken(42, role))
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func pendingPayment(method model.PaymentMethod) *model.Payment {
	return &model.Payment{
		ID:              1,
		TransactionUUID: testTxUUID,
		UserID:          42,
		Amount:          decimal.RequireFromString("100"),
		TaxAmount:       decimal.Zero,
		TotalAmount:     decimal.RequireFromString("100"),
		Method:          method,
		Status:          model.PaymentStatusPending,
		CreatedAt:       time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestInitiatePayment_WalletForm(t *testing.T) {
	svc := &stubService{
		initiateRes: &service.InitiateResult{
			Payment: pendingPayment(model.PaymentMethodEsewa),
			Created: true,
			Form: &gateway.PaymentForm{
				URL:    "https://rc-epay.esewa.com.np/api/epay/main/v2/form",
				Fields: map[string]string{"transaction_uuid": testTxUUID, "signature": "sig"},
			},
		},
	}
	srv := newTestServer(t, svc)

	body := map[string]any{"amount": "100", "payment_type": "esewa", "branch_id": 1}

	req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader(mustJSON(t, body)))
	req.Header.Set("Authorization", "Bearer "+srv.auth.IssueToken(42, model.RoleCustomer))
	req.Header.Set("Idempotency-Key", "checkout-7")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "checkout-7", svc.initiateReq.IdempotencyKey)
	assert.Equal(t, int64(42), svc.initiateReq.UserID)
	assert.Equal(t, model.PaymentMethodEsewa, svc.initiateReq.Method)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testTxUUID, resp["transaction_uuid"])
	assert.Equal(t, "https://rc-epay.esewa.com.np/api/epay/main/v2/form", resp["esewa_url"])
	assert.Contains(t, resp, "payment_data")
	assert.NotContains(t, resp, "bank_details")
}

func TestInitiatePayment_ReplayReturnsOK(t *testing.T) {
	svc := &stubService{
		initiateRes: &service.InitiateResult{Payment: pendingPayment(model.PaymentMethodBank)},
	}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodPost, "/api/payments",
		map[string]any{"amount": "100", "payment_type": "bank", "branch_id": 1, "idempotency_key": "k1"}, model.RoleCustomer)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "k1", svc.initiateReq.IdempotencyKey)
}

func TestInitiatePayment_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{name: "negative amount", body: map[string]any{"amount": "-5", "payment_type": "cash", "branch_id": 1}, field: "amount"},
		{name: "three decimals", body: map[string]any{"amount": "10.005", "payment_type": "cash", "branch_id": 1}, field: "amount"},
		{name: "unknown method", body: map[string]any{"amount": "10", "payment_type": "paypal", "branch_id": 1}, field: "payment_type"},
		{name: "bad order id", body: map[string]any{"amount": "10", "payment_type": "cash", "branch_id": 1, "order_id": "nope"}, field: "order_id"},
		{name: "missing branch", body: map[string]any{"amount": "10", "payment_type": "cash"}, field: "branch_id"},
		{name: "zero branch", body: map[string]any{"amount": "10", "payment_type": "cash", "branch_id": 0}, field: "branch_id"},
		{
			name: "order and order id",
			body: map[string]any{
				"amount": "10", "payment_type": "cash", "branch_id": 1,
				"order_id": uuid.NewString(), "order": map[string]any{"total_amount": "10"},
			},
			field: "order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubService{})

			rec := srv.do(t, http.MethodPost, "/api/payments", tt.body, model.RoleCustomer)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Errors, tt.field)
		})
	}
}

func TestInitiatePayment_Unauthorized(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rec := srv.do(t, http.MethodPost, "/api/payments", map[string]any{"amount": "10", "payment_type": "cash"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyPayment_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "amount mismatch", err: model.ErrAmountMismatch, status: http.StatusUnprocessableEntity},
		{name: "gateway failure", err: &gateway.FailureError{Status: gateway.StatusCanceled}, status: http.StatusPaymentRequired},
		{name: "gateway down", err: fmt.Errorf("verify: %w", gateway.ErrGatewayUnavailable), status: http.StatusBadGateway},
		{name: "not settled", err: gateway.ErrNotSettled, status: http.StatusConflict},
		{name: "terminal", err: model.ErrPaymentTerminal, status: http.StatusConflict},
		{name: "not found", err: model.ErrPaymentNotFound, status: http.StatusNotFound},
		{name: "contention", err: repository.ErrContention, status: http.StatusServiceUnavailable},
		{name: "unexpected", err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{err: tt.err}
			srv := newTestServer(t, svc)

			rec := srv.do(t, http.MethodPost, "/api/payments/verify",
				map[string]any{"transaction_uuid": testTxUUID, "total_amount": "100"}, model.RoleCustomer)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestVerifyPayment_Success(t *testing.T) {
	code := "000AWEO"
	svc := &stubService{
		receipt: &model.Receipt{
			TransactionUUID: testTxUUID,
			Method:          model.PaymentMethodEsewa,
			Status:          model.PaymentStatusComplete,
			TotalAmount:     decimal.RequireFromString("100"),
			OrdersPaid:      []model.AppliedOrder{},
		},
	}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodPost, "/api/payments/verify",
		map[string]any{"transaction_uuid": testTxUUID, "total_amount": 100, "transaction_code": code}, model.RoleCustomer)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decimal.RequireFromString("100").Equal(svc.verifyReq.ClaimedAmount))
	require.NotNil(t, svc.verifyReq.TransactionCode)
	assert.Equal(t, code, *svc.verifyReq.TransactionCode)

	var receipt model.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, model.PaymentStatusComplete, receipt.Status)
}

func TestVerifyPayment_RejectsMalformedTransactionUUID(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rec := srv.do(t, http.MethodPost, "/api/payments/verify",
		map[string]any{"transaction_uuid": "not-a-uuid", "total_amount": "100"}, model.RoleCustomer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletSuccess(t *testing.T) {
	t.Run("public and signed", func(t *testing.T) {
		svc := &stubService{receipt: &model.Receipt{TransactionUUID: testTxUUID, Status: model.PaymentStatusComplete}}
		srv := newTestServer(t, svc)

		rec := srv.do(t, http.MethodGet, "/api/payments/esewa/success?data=eyJ9", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		srv := newTestServer(t, &stubService{err: gateway.ErrInvalidSignature})

		rec := srv.do(t, http.MethodGet, "/api/payments/esewa/success?data=eyJ9", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing data", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})

		rec := srv.do(t, http.MethodGet, "/api/payments/esewa/success", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWalletFailure(t *testing.T) {
	p := pendingPayment(model.PaymentMethodEsewa)
	p.Status = model.PaymentStatusFailed
	srv := newTestServer(t, &stubService{payment: p})

	rec := srv.do(t, http.MethodGet, "/api/payments/esewa/failure?transaction_uuid="+testTxUUID, nil, model.RoleCustomer)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp paymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.PaymentStatusFailed, resp.Status)
}

func TestPaymentStatus_StaffSeesAnyPayment(t *testing.T) {
	svc := &stubService{receipt: &model.Receipt{TransactionUUID: testTxUUID, Status: model.PaymentStatusPending}}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodGet, "/api/payments/"+testTxUUID, nil, model.RoleCustomer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), svc.statusOwner)

	rec = srv.do(t, http.MethodGet, "/api/payments/"+testTxUUID, nil, model.RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), svc.statusOwner)
}

func TestCancelPayment_Terminal(t *testing.T) {
	srv := newTestServer(t, &stubService{err: fmt.Errorf("%w: COMPLETE", model.ErrPaymentTerminal)})

	rec := srv.do(t, http.MethodPost, "/api/payments/"+testTxUUID+"/cancel", nil, model.RoleCustomer)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmBankTransfer_StaffOnly(t *testing.T) {
	svc := &stubService{receipt: &model.Receipt{TransactionUUID: testTxUUID, Status: model.PaymentStatusComplete}}
	srv := newTestServer(t, svc)
	body := map[string]any{"reference_id": "NB-1", "amount": "750"}

	rec := srv.do(t, http.MethodPost, "/api/payments/"+testTxUUID+"/confirm", body, model.RoleCustomer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/payments/"+testTxUUID+"/confirm", body, model.RoleStaff)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPayments(t *testing.T) {
	svc := &stubService{
		page: &service.PaymentPage{
			Payments: []model.Payment{*pendingPayment(model.PaymentMethodCash)},
			Total:    1,
			Page:     1,
			PageSize: 10,
		},
	}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodGet, "/api/payments?status=PENDING&page=1", nil, model.RoleCustomer)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp paymentPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Payments, 1)
	assert.Equal(t, testTxUUID, resp.Payments[0].TransactionUUID)
	assert.Equal(t, "2025-03-14T09:26:53Z", resp.Payments[0].CreatedAt)

	rec = srv.do(t, http.MethodGet, "/api/payments?page=zero", nil, model.RoleCustomer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPayments_RejectsUnknownFilters(t *testing.T) {
	tests := []struct {
		name  string
		query string
		field string
	}{
		{name: "unknown status", query: "status=PAID", field: "status"},
		{name: "lowercase status", query: "status=pending", field: "status"},
		{name: "unknown method", query: "method=paypal", field: "method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubService{})

			rec := srv.do(t, http.MethodGet, "/api/payments?"+tt.query, nil, model.RoleCustomer)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Errors, tt.field)
		})
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rec := srv.do(t, http.MethodGet, "/api/orders", nil, model.RoleCustomer)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPlaceOrder(t *testing.T) {
	order := &model.Order{
		ID:            uuid.New(),
		UserID:        42,
		BranchID:      1,
		TotalAmount:   decimal.RequireFromString("600"),
		PaymentMethod: model.PaymentMethodCash,
		PaymentStatus: model.OrderPaymentPaid,
		CreatedAt:     time.Now(),
	}
	srv := newTestServer(t, &stubService{placed: &service.PlacedOrder{Order: order}})

	rec := srv.do(t, http.MethodPost, "/api/orders", map[string]any{"branch_id": 1, "total_amount": "600"}, model.RoleCustomer)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp placeOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, order.ID, resp.Order.ID)
	assert.Equal(t, model.OrderPaymentPaid, resp.Order.PaymentStatus)
	assert.NotNil(t, resp.Advances)

	rec = srv.do(t, http.MethodPost, "/api/orders", map[string]any{"total_amount": "600"}, model.RoleCustomer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackfillIncome_DryRun(t *testing.T) {
	svc := &stubService{report: &income.BackfillReport{DryRun: true, Scanned: 3, Created: 3}}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodPost, "/api/admin/income/backfill?dry_run=true&batch_size=50", nil, model.RoleCustomer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/admin/income/backfill?dry_run=true&batch_size=50", nil, model.RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.backfillOpts.DryRun)
	assert.Equal(t, 50, svc.backfillOpts.BatchSize)

	var report income.BackfillReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 3, report.Created)
}

func TestAuditIncome(t *testing.T) {
	svc := &stubService{audit: &model.IncomeAudit{CompletedPayments: 2, WithIncome: 1, WithoutIncome: 1}}
	srv := newTestServer(t, svc)

	rec := srv.do(t, http.MethodGet, "/api/admin/income/audit", nil, model.RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)

	var audit model.IncomeAudit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Equal(t, 1, audit.WithoutIncome)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
