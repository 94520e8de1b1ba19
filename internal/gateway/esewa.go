// Package gateway предоставляет клиент кошелька eSewa: подпись формы оплаты,
// проверку подписи обратного вызова и сверку статуса транзакции.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/model"
)

var (
	// ErrNotConfigured возвращается, если адрес проверки статуса не задан.
	ErrNotConfigured = errors.New("wallet gateway is not configured")
	// ErrInvalidSignature возвращается, если подпись обратного вызова не сошлась.
	ErrInvalidSignature = errors.New("invalid gateway signature")
	// ErrVerificationFailed возвращается, если шлюз явно сообщил о неуспехе оплаты.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrGatewayUnavailable возвращается при сетевой ошибке или неожиданном ответе шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrNotSettled возвращается, пока шлюз не завершил транзакцию.
	ErrNotSettled = errors.New("payment is not settled by gateway yet")
)

// Статусы транзакции в ответах eSewa.
const (
	StatusComplete      = "COMPLETE"
	StatusPending       = "PENDING"
	StatusAmbiguous     = "AMBIGUOUS"
	StatusCanceled      = "CANCELED"
	StatusNotFound      = "NOT_FOUND"
	StatusFullRefund    = "FULL_REFUND"
	StatusPartialRefund = "PARTIAL_REFUND"
)

const signedFieldNames = "total_amount,transaction_uuid,product_code"

// callbackSignedFields обязательно покрываются подписью обратного вызова.
var callbackSignedFields = []string{"transaction_code", "status", "total_amount", "transaction_uuid", "product_code"}

// Config содержит параметры подключения к eSewa.
type Config struct {
	StatusURL   string
	PaymentURL  string
	ProductCode string
	SecretKey   string
	SuccessURL  string
	FailureURL  string
}

// Client инкапсулирует HTTP-взаимодействие с eSewa.
type Client struct {
	cfg        Config
	httpClient *retryablehttp.Client
}

// VerifiedReceipt содержит подтверждённые шлюзом данные транзакции.
type VerifiedReceipt struct {
	TransactionUUID string
	ReferenceID     string
	ConfirmedAmount decimal.Decimal
}

// FailureError описывает явный отказ шлюза. Сопоставляется с ErrVerificationFailed.
type FailureError struct {
	Status string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: gateway status %s", ErrVerificationFailed, e.Status)
}

func (e *FailureError) Is(target error) bool {
	return target == ErrVerificationFailed
}

// PaymentStatus возвращает статус платежа, в который нужно перевести платёж после отказа.
func (e *FailureError) PaymentStatus() model.PaymentStatus {
	if e.Status == StatusCanceled {
		return model.PaymentStatusCanceled
	}
	return model.PaymentStatusFailed
}

// NewClient создаёт клиент eSewa с повторами запросов при сетевых сбоях и ответах 5xx.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = 10 * time.Second
	hc.Logger = leveledLogger{logger.Sugar()}

	cfg.StatusURL = strings.TrimRight(cfg.StatusURL, "/")
	if cfg.StatusURL != "" && !strings.HasPrefix(cfg.StatusURL, "http://") && !strings.HasPrefix(cfg.StatusURL, "https://") {
		cfg.StatusURL = "http://" + cfg.StatusURL
	}

	return &Client{cfg: cfg, httpClient: hc}
}

// Configured сообщает, можно ли проверять транзакции через шлюз.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.StatusURL != ""
}

// Sign возвращает base64(HMAC-SHA256(message)) на секретном ключе продавца.
func (c *Client) Sign(message string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// FormatAmount форматирует сумму так, как её ожидает eSewa: без дробной части для целых сумм.
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.StringFixed(0)
	}
	return d.StringFixed(2)
}

// PaymentForm содержит поля формы, которую клиент отправляет на страницу оплаты eSewa.
type PaymentForm struct {
	URL    string            `json:"esewa_url"`
	Fields map[string]string `json:"payment_data"`
}

// Form собирает подписанную форму оплаты для платежа.
func (c *Client) Form(p *model.Payment) *PaymentForm {
	total := FormatAmount(p.TotalAmount)
	message := fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s", total, p.TransactionUUID, c.cfg.ProductCode)

	return &PaymentForm{
		URL: c.cfg.PaymentURL,
		Fields: map[string]string{
			"amount":                  FormatAmount(p.Amount),
			"tax_amount":              FormatAmount(p.TaxAmount),
			"total_amount":            total,
			"transaction_uuid":        p.TransactionUUID,
			"product_code":            c.cfg.ProductCode,
			"product_service_charge":  "0",
			"product_delivery_charge": "0",
			"success_url":             c.cfg.SuccessURL,
			"failure_url":             c.cfg.FailureURL,
			"signed_field_names":      signedFieldNames,
			"signature":               c.Sign(message),
		},
	}
}

// Callback содержит данные, с которыми eSewa перенаправляет клиента после оплаты.
type Callback struct {
	TransactionCode string
	Status          string
	TotalAmount     decimal.Decimal
	TransactionUUID string
	ProductCode     string
}

// DecodeCallback раскодирует параметр data обратного вызова и проверяет подпись
// по полям из signed_field_names. Подпись обязана покрывать callbackSignedFields,
// а код продукта должен совпадать с настроенным.
func (c *Client) DecodeCallback(data string) (*Callback, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrInvalidSignature)
	}

	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		fields[k] = s
	}

	names := strings.Split(fields["signed_field_names"], ",")
	signed := make(map[string]bool, len(names))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: signed field %q is missing", ErrInvalidSignature, name)
		}
		signed[name] = true
		parts = append(parts, name+"="+v)
	}
	for _, name := range callbackSignedFields {
		if !signed[name] {
			return nil, fmt.Errorf("%w: field %q is not signed", ErrInvalidSignature, name)
		}
	}

	expected := c.Sign(strings.Join(parts, ","))
	if !hmac.Equal([]byte(expected), []byte(fields["signature"])) {
		return nil, ErrInvalidSignature
	}

	if fields["product_code"] != c.cfg.ProductCode {
		return nil, fmt.Errorf("%w: unexpected product code %q", ErrInvalidSignature, fields["product_code"])
	}

	total, err := decimal.NewFromString(strings.ReplaceAll(fields["total_amount"], ",", ""))
	if err != nil {
		return nil, fmt.Errorf("parse total_amount: %w", err)
	}

	return &Callback{
		TransactionCode: fields["transaction_code"],
		Status:          fields["status"],
		TotalAmount:     total,
		TransactionUUID: fields["transaction_uuid"],
		ProductCode:     fields["product_code"],
	}, nil
}

type statusResponse struct {
	ProductCode     string          `json:"product_code"`
	TransactionUUID string          `json:"transaction_uuid"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          string          `json:"status"`
	RefID           *string         `json:"ref_id"`
}

// Verify запрашивает у eSewa статус транзакции на заявленную сумму.
// Для COMPLETE возвращает подтверждённые сумму и ссылку; явный отказ возвращается как *FailureError.
func (c *Client) Verify(ctx context.Context, transactionUUID string, claimed decimal.Decimal) (*VerifiedReceipt, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("product_code", c.cfg.ProductCode)
	q.Set("total_amount", FormatAmount(claimed))
	q.Set("transaction_uuid", transactionUUID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StatusURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}

	switch result.Status {
	case StatusComplete:
	case StatusPending, StatusAmbiguous, "":
		return nil, ErrNotSettled
	default:
		return nil, &FailureError{Status: result.Status}
	}

	if result.TransactionUUID != "" && result.TransactionUUID != transactionUUID {
		return nil, fmt.Errorf("%w: response for %s", ErrVerificationFailed, result.TransactionUUID)
	}

	receipt := &VerifiedReceipt{
		TransactionUUID: transactionUUID,
		ConfirmedAmount: result.TotalAmount,
	}
	if result.RefID != nil {
		receipt.ReferenceID = *result.RefID
	}
	return receipt, nil
}

// leveledLogger направляет журнал retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
