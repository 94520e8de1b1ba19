// Package handler содержит HTTP-обработчики API платёжного сервиса прачечной.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/gateway"
	"github.com/mmeshcher/laundry-payments/internal/income"
	"github.com/mmeshcher/laundry-payments/internal/middleware"
	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
	"github.com/mmeshcher/laundry-payments/internal/service"
	"github.com/mmeshcher/laundry-payments/internal/validation"
)

const retryAfterSeconds = "1"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	InitiatePayment(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
	VerifyPayment(ctx context.Context, req service.VerifyRequest) (*model.Receipt, error)
	HandleWalletCallback(ctx context.Context, data string) (*model.Receipt, error)
	ConfirmBankTransfer(ctx context.Context, c service.BankConfirmation) (*model.Receipt, error)
	FailPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error)
	CancelPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error)
	PaymentStatus(ctx context.Context, userID int64, txUUID string) (*model.Receipt, error)
	ListPayments(ctx context.Context, f model.PaymentFilter) (*service.PaymentPage, error)
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*service.PlacedOrder, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	BackfillIncome(ctx context.Context, opts income.BackfillOptions) (*income.BackfillReport, error)
	AuditIncome(ctx context.Context) (*model.IncomeAudit, error)
}

// Handler реализует HTTP-обработчики API платёжного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validator      *validation.Validator
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validator:      validation.New(),
	}
}

type orderDraftRequest struct {
	TotalAmount decimal.Decimal `json:"total_amount" validate:"money"`
	Description string          `json:"description" validate:"max=500"`
	IsUrgent    bool            `json:"is_urgent"`
}

type initiatePaymentRequest struct {
	Amount         decimal.Decimal    `json:"amount" validate:"money"`
	TaxAmount      decimal.Decimal    `json:"tax_amount" validate:"money_nonneg"`
	PaymentType    string             `json:"payment_type" validate:"required,oneof=cash bank esewa"`
	BranchID       *int64             `json:"branch_id" validate:"required,gt=0"`
	OrderID        string             `json:"order_id" validate:"omitempty,uuid"`
	Order          *orderDraftRequest `json:"order" validate:"omitempty"`
	IdempotencyKey string             `json:"idempotency_key" validate:"max=255"`
}

type initiatePaymentResponse struct {
	TransactionUUID string              `json:"transaction_uuid"`
	PaymentType     model.PaymentMethod `json:"payment_type"`
	Status          model.PaymentStatus `json:"status"`
	Amount          decimal.Decimal     `json:"amount"`
	TaxAmount       decimal.Decimal     `json:"tax_amount"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	*gateway.PaymentForm
	BankDetails *config.BankAccount `json:"bank_details,omitempty"`
	Receipt     *model.Receipt      `json:"receipt,omitempty"`
}

// InitiatePayment создаёт платёж. Ключ идемпотентности берётся из заголовка Idempotency-Key
// или из тела запроса. Повтор с тем же ключом возвращает уже созданный платёж со статусом 200.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req initiatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OrderID != "" && req.Order != nil {
		h.writeError(w, validation.FieldErrors{"order": "cannot be combined with order_id"})
		return
	}

	sreq := service.InitiateRequest{
		UserID:         userID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		TaxAmount:      req.TaxAmount,
		Method:         model.PaymentMethod(req.PaymentType),
		BranchID:       req.BranchID,
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		sreq.IdempotencyKey = key
	}
	if req.OrderID != "" {
		id := uuid.MustParse(req.OrderID)
		sreq.OrderID = &id
	}
	if req.Order != nil {
		sreq.Order = &model.OrderDraft{
			TotalAmount: req.Order.TotalAmount,
			Description: req.Order.Description,
			IsUrgent:    req.Order.IsUrgent,
		}
	}

	res, err := h.service.InitiatePayment(r.Context(), sreq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	p := res.Payment
	resp := initiatePaymentResponse{
		TransactionUUID: p.TransactionUUID,
		PaymentType:     p.Method,
		Status:          p.Status,
		Amount:          p.Amount,
		TaxAmount:       p.TaxAmount,
		TotalAmount:     p.TotalAmount,
		PaymentForm:     res.Form,
		BankDetails:     res.Bank,
		Receipt:         res.Receipt,
	}
	if res.Receipt != nil {
		resp.Status = res.Receipt.Status
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

type verifyPaymentRequest struct {
	TransactionUUID string          `json:"transaction_uuid" validate:"required,txuuid"`
	TotalAmount     decimal.Decimal `json:"total_amount" validate:"money"`
	TransactionCode string          `json:"transaction_code" validate:"max=64"`
}

// VerifyPayment подтверждает электронный платёж текущего пользователя через шлюз.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	sreq := service.VerifyRequest{
		UserID:          userID,
		TransactionUUID: req.TransactionUUID,
		ClaimedAmount:   req.TotalAmount,
	}
	if req.TransactionCode != "" {
		sreq.TransactionCode = &req.TransactionCode
	}

	receipt, err := h.service.VerifyPayment(r.Context(), sreq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

// WalletSuccess принимает перенаправление eSewa с подписанным параметром data.
func (h *Handler) WalletSuccess(w http.ResponseWriter, r *http.Request) {
	data := r.URL.Query().Get("data")
	if data == "" {
		h.writeError(w, validation.FieldErrors{"data": "this field is required"})
		return
	}

	receipt, err := h.service.HandleWalletCallback(r.Context(), data)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

// WalletFailure помечает ожидающий платёж как неуспешный после отказа на стороне eSewa.
func (h *Handler) WalletFailure(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txUUID := r.URL.Query().Get("transaction_uuid")
	if !validation.IsValidTransactionUUID(txUUID) {
		h.writeError(w, validation.FieldErrors{"transaction_uuid": "must be a transaction identifier"})
		return
	}

	p, err := h.service.FailPayment(r.Context(), userID, txUUID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// PaymentStatus возвращает квитанцию платежа, при необходимости сверив его со шлюзом.
// Сотрудник видит платежи всех пользователей.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	owner := principal.UserID
	if principal.Role == model.RoleStaff {
		owner = 0
	}

	receipt, err := h.service.PaymentStatus(r.Context(), owner, chi.URLParam(r, "transactionUUID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

// CancelPayment отменяет ожидающий платёж текущего пользователя.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	p, err := h.service.CancelPayment(r.Context(), userID, chi.URLParam(r, "transactionUUID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

type confirmBankRequest struct {
	ReferenceID string          `json:"reference_id" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount" validate:"money"`
}

// ConfirmBankTransfer завершает банковский платёж. Доступно только сотрудникам.
func (h *Handler) ConfirmBankTransfer(w http.ResponseWriter, r *http.Request) {
	var req confirmBankRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.service.ConfirmBankTransfer(r.Context(), service.BankConfirmation{
		TransactionUUID: chi.URLParam(r, "transactionUUID"),
		ReferenceID:     req.ReferenceID,
		Amount:          req.Amount,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

type paymentResponse struct {
	TransactionUUID string              `json:"transaction_uuid"`
	PaymentType     model.PaymentMethod `json:"payment_type"`
	Status          model.PaymentStatus `json:"status"`
	Amount          decimal.Decimal     `json:"amount"`
	TaxAmount       decimal.Decimal     `json:"tax_amount"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	TransactionCode *string             `json:"transaction_code,omitempty"`
	RefID           *string             `json:"ref_id,omitempty"`
	BranchID        *int64              `json:"branch_id,omitempty"`
	OrderID         *uuid.UUID          `json:"order_id,omitempty"`
	ProcessedAt     string              `json:"processed_at,omitempty"`
	CreatedAt       string              `json:"created_at"`
}

func newPaymentResponse(p *model.Payment) paymentResponse {
	resp := paymentResponse{
		TransactionUUID: p.TransactionUUID,
		PaymentType:     p.Method,
		Status:          p.Status,
		Amount:          p.Amount,
		TaxAmount:       p.TaxAmount,
		TotalAmount:     p.TotalAmount,
		TransactionCode: p.TransactionCode,
		RefID:           p.RefID,
		BranchID:        p.BranchID,
		OrderID:         p.OrderID,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
	if p.ProcessedAt != nil {
		resp.ProcessedAt = p.ProcessedAt.Format(time.RFC3339)
	}
	return resp
}

type paymentPageResponse struct {
	Payments []paymentResponse `json:"payments"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ListPayments возвращает историю платежей текущего пользователя.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	f := model.PaymentFilter{
		UserID: userID,
		Status: model.PaymentStatus(q.Get("status")),
		Method: model.PaymentMethod(q.Get("method")),
		Search: q.Get("search"),
	}

	fields := validation.FieldErrors{}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["page"] = "must be at least 1"
		}
		f.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["page_size"] = "must be at least 1"
		}
		f.PageSize = n
	}
	if f.Status != "" && !f.Status.Valid() {
		fields["status"] = "must be one of: PENDING, COMPLETE, FAILED, CANCELED, FULL_REFUND, PARTIAL_REFUND"
	}
	if f.Method != "" && !f.Method.Valid() {
		fields["method"] = "must be one of: cash, bank, esewa"
	}
	if len(fields) > 0 {
		h.writeError(w, fields)
		return
	}

	page, err := h.service.ListPayments(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := paymentPageResponse{
		Payments: make([]paymentResponse, 0, len(page.Payments)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for i := range page.Payments {
		resp.Payments = append(resp.Payments, newPaymentResponse(&page.Payments[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type placeOrderRequest struct {
	BranchID      int64           `json:"branch_id" validate:"required,gt=0"`
	TotalAmount   decimal.Decimal `json:"total_amount" validate:"money"`
	PaymentMethod string          `json:"payment_method" validate:"omitempty,oneof=cash bank esewa"`
	Description   string          `json:"description" validate:"max=500"`
	IsUrgent      bool            `json:"is_urgent"`
}

type orderResponse struct {
	ID            uuid.UUID                `json:"id"`
	BranchID      int64                    `json:"branch_id"`
	TotalAmount   decimal.Decimal          `json:"total_amount"`
	PaymentMethod model.PaymentMethod      `json:"payment_method"`
	PaymentStatus model.OrderPaymentStatus `json:"payment_status"`
	Description   string                   `json:"description,omitempty"`
	IsUrgent      bool                     `json:"is_urgent"`
	CreatedAt     string                   `json:"created_at"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		BranchID:      o.BranchID,
		TotalAmount:   o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		PaymentStatus: o.PaymentStatus,
		Description:   o.Description,
		IsUrgent:      o.IsUrgent,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}

type placeOrderResponse struct {
	Order    orderResponse                `json:"order"`
	Advances []model.ReconciliationResult `json:"advances_applied"`
}

// PlaceOrder оформляет заказ и зачитывает в него авансы пользователя.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req placeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	placed, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		UserID:      userID,
		BranchID:    req.BranchID,
		TotalAmount: req.TotalAmount,
		Method:      model.PaymentMethod(req.PaymentMethod),
		Description: req.Description,
		IsUrgent:    req.IsUrgent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := placeOrderResponse{
		Order:    newOrderResponse(placed.Order),
		Advances: placed.Advances,
	}
	if resp.Advances == nil {
		resp.Advances = []model.ReconciliationResult{}
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// BackfillIncome запускает восстановление доходов. Параметр dry_run=true только считает.
func (h *Handler) BackfillIncome(w http.ResponseWriter, r *http.Request) {
	var opts income.BackfillOptions

	q := r.URL.Query()
	if v := q.Get("dry_run"); v != "" {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, validation.FieldErrors{"dry_run": "must be a boolean"})
			return
		}
		opts.DryRun = dry
	}
	if v := q.Get("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, validation.FieldErrors{"batch_size": "must be at least 1"})
			return
		}
		opts.BatchSize = n
	}

	report, err := h.service.BackfillIncome(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// AuditIncome возвращает отчёт о полноте учёта доходов.
func (h *Handler) AuditIncome(w http.ResponseWriter, r *http.Request) {
	audit, err := h.service.AuditIncome(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, audit)
}

// decode читает и проверяет тело запроса. При ошибке ответ уже записан.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.writeError(w, err)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors,omitempty"`
}

// writeError сопоставляет доменные ошибки HTTP-статусам.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var fields validation.FieldErrors
	if errors.As(err, &fields) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Errors: fields})
		return
	}

	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPaymentNotFound), errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrBranchInactive),
		errors.Is(err, model.ErrWrongPaymentMethod), errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPaymentTerminal), errors.Is(err, gateway.ErrNotSettled):
		return http.StatusConflict
	case errors.Is(err, repository.ErrContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrVerificationFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrGatewayUnavailable), errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
