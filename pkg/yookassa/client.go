package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const (
	defaultBaseURL              = "https://api.yookassa.ru/v3"
	responseBodyReadLimit int64 = 256 * 1024
)

var errCredentialsRequired = errors.New("yookassa shop id and secret key are required")

// Payment statuses reported by the API.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Client talks to the YooKassa v3 REST API with basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	shopID     string
	secretKey  string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient builds a client for the given shop credentials.
func NewClient(shopID, secretKey string, opts ...Option) (*Client, error) {
	shopID = strings.TrimSpace(shopID)
	secretKey = strings.TrimSpace(secretKey)
	if shopID == "" || secretKey == "" {
		return nil, errCredentialsRequired
	}

	client := &Client{
		shopID:     shopID,
		secretKey:  secretKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Amount is a decimal string plus ISO currency, e.g. {"990.00","RUB"}.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Confirmation describes how the payer confirms the charge.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// PaymentMethod is the instrument used for the charge.
type PaymentMethod struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Saved bool   `json:"saved"`
}

// Customer identifies the receipt recipient.
type Customer struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// ReceiptItem is one line of the fiscal receipt.
type ReceiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         Amount `json:"amount"`
	VATCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode,omitempty"`
	PaymentSubject string `json:"payment_subject,omitempty"`
}

// Receipt is attached to charges for fiscal reporting.
type Receipt struct {
	Customer Customer      `json:"customer"`
	Items    []ReceiptItem `json:"items"`
}

// CreatePaymentRequest is the POST /payments body.
type CreatePaymentRequest struct {
	Amount            Amount            `json:"amount"`
	Capture           bool              `json:"capture"`
	Description       string            `json:"description,omitempty"`
	Confirmation      *Confirmation     `json:"confirmation,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
	SavePaymentMethod bool              `json:"save_payment_method,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Receipt           *Receipt          `json:"receipt,omitempty"`
}

// CancellationDetails explains why a payment was canceled.
type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

// Payment is the payment object returned by every endpoint.
type Payment struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	Amount              Amount               `json:"amount"`
	Description         string               `json:"description"`
	Confirmation        *Confirmation        `json:"confirmation"`
	PaymentMethod       *PaymentMethod       `json:"payment_method"`
	CancellationDetails *CancellationDetails `json:"cancellation_details"`
	Metadata            map[string]string    `json:"metadata"`
	CreatedAt           time.Time            `json:"created_at"`
}

// ListParams filters GET /payments.
type ListParams struct {
	Status string
	Limit  int
	Cursor string
}

// PaymentList is one page of GET /payments.
type PaymentList struct {
	Items      []Payment `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type apiError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter"`
}

// CreatePayment creates a charge. The idempotence key makes retries of the
// same logical charge return the original payment.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotenceKey string) (*Payment, error) {
	if strings.TrimSpace(idempotenceKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotence key is required")
	}
	if req.Amount.Value == "" || req.Amount.Currency == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount is required")
	}

	var payment Payment
	if err := c.do(ctx, http.MethodPost, "payments", req, idempotenceKey, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}

	var payment Payment
	if err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(trimmed), nil, "", &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPayments returns one page of payments, newest first.
func (c *Client) ListPayments(ctx context.Context, params ListParams) (*PaymentList, error) {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}
	path := "payments"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list PaymentList
	if err := c.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, idempotenceKey string, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "yookassa client not configured")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal yookassa request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build yookassa request")
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, "yookassa request timed out")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute yookassa request")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read yookassa response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode yookassa response")
	}
	return nil
}

func mapError(status int, raw []byte) error {
	var apiErr apiError
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Description != "" {
		detail = apiErr.Code + ": " + apiErr.Description
	}
	cause := fmt.Errorf("status %d: %s", status, detail)

	switch {
	case status == http.StatusTooManyRequests:
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, cause, "yookassa rate limit")
	case status >= http.StatusInternalServerError:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "yookassa unavailable")
	case status == http.StatusUnauthorized:
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, cause, "yookassa rejected credentials")
	case status == http.StatusForbidden:
		return pkgerrors.Wrap(pkgerrors.CodeForbidden, cause, "yookassa denied the request")
	case status == http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "yookassa payment not found")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, cause, "yookassa rejected the request")
	}
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), strings.TrimLeft(path, "/"))
}
