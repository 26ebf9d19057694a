package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// Client is a Provider backed by a provider-shaped HTTP gateway
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	name       string
}

var _ Provider = (*Client)(nil)

type chargeBody struct {
	CustomerID     string `json:"customer_id"`
	InvoiceID      string `json:"invoice_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type customerResponse struct {
	CustomerID string `json:"customer_id"`
}

type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IdempotencyKey string `json:"idempotency_key"`
		TransactionID  string `json:"transaction_id"`
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
	} `json:"data"`
}

// NewClient creates a new provider client
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChargeCustomer posts a charge. The idempotency key travels as a header so the
// provider replays the first result for a repeated key.
func (c *Client) ChargeCustomer(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	body := chargeBody{
		CustomerID:     req.CustomerID,
		InvoiceID:      req.InvoiceID,
		Amount:         MinorUnits(req.Amount),
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	}
	var result ChargeResult
	if err := c.makeRequest(ctx, http.MethodPost, "/charges", req.IdempotencyKey, body, &result); err != nil {
		return nil, err
	}

	if !result.Success {
		return &result, &models.ProviderError{
			Code:      result.ErrorCode,
			Message:   result.ErrorMessage,
			Retryable: isRetryableError(result.ErrorCode),
		}
	}
	return &result, nil
}

// CreateCustomer opens a customer at the provider
func (c *Client) CreateCustomer(ctx context.Context, profile *CustomerProfile) (string, error) {
	var resp customerResponse
	if err := c.makeRequest(ctx, http.MethodPost, "/customers", "customer_"+profile.UserID, profile, &resp); err != nil {
		return "", err
	}
	if resp.CustomerID == "" {
		return "", &models.ProviderError{Code: "EMPTY_CUSTOMER", Message: "provider returned no customer id"}
	}
	return resp.CustomerID, nil
}

// HandleWebhook decodes the gateway's {id, type, data} envelope
func (c *Client) HandleWebhook(payload []byte, _ string) (*ProviderEvent, error) {
	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, &models.ValidationError{Field: "payload", Message: "not a provider event: " + err.Error()}
	}
	if body.Data.IdempotencyKey == "" {
		return nil, &models.ValidationError{Field: "data.idempotency_key", Message: "is required"}
	}
	return &ProviderEvent{
		ID:             body.ID,
		Type:           body.Type,
		IdempotencyKey: body.Data.IdempotencyKey,
		TransactionID:  body.Data.TransactionID,
		FailureCode:    body.Data.FailureCode,
		FailureMessage: body.Data.FailureMessage,
	}, nil
}

// GetName returns the provider name
func (c *Client) GetName() string {
	return c.name
}

// makeRequest is a helper method for making HTTP requests
func (c *Client) makeRequest(ctx context.Context, method, path, idempotencyKey string, body interface{}, response interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.ProviderError{
			Code:      "NETWORK_ERROR",
			Message:   fmt.Sprintf("Network error: %v", err),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.ProviderError{Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 400 {
		// Prefer the provider's own error code when the body carries one
		var decoded ChargeResult
		code := errorCodeFromStatus(resp.StatusCode)
		message := string(respBody)
		if json.Unmarshal(respBody, &decoded) == nil && decoded.ErrorCode != "" {
			code, message = decoded.ErrorCode, decoded.ErrorMessage
		}
		return &models.ProviderError{
			Code:      code,
			Message:   message,
			Retryable: isRetryableStatusCode(resp.StatusCode) || isRetryableError(code),
		}
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// isRetryableError determines if an error code indicates a retryable condition
func isRetryableError(errorCode string) bool {
	retryableErrors := map[string]bool{
		"NETWORK_ERROR":         true,
		"TIMEOUT":               true,
		"PROCESSOR_UNAVAILABLE": true,
		"RATE_LIMITED":          true,
		"INTERNAL_SERVER_ERROR": true,
		"INSUFFICIENT_FUNDS":    true,
	}
	return retryableErrors[errorCode]
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func errorCodeFromStatus(statusCode int) string {
	switch statusCode {
	case 400:
		return "BAD_REQUEST"
	case 401:
		return "UNAUTHORIZED"
	case 402:
		return "PAYMENT_REQUIRED"
	case 404:
		return "NOT_FOUND"
	case 408:
		return "TIMEOUT"
	case 409:
		return "IDEMPOTENCY_CONFLICT"
	case 422:
		return "UNPROCESSABLE_ENTITY"
	case 429:
		return "RATE_LIMITED"
	case 500:
		return "INTERNAL_SERVER_ERROR"
	case 502:
		return "BAD_GATEWAY"
	case 503:
		return "SERVICE_UNAVAILABLE"
	case 504:
		return "GATEWAY_TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}
