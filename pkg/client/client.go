// Package client is a Go HTTP client for the walletmigrate service.
//
// Wallet routes answer 503 while a wallet is migrating. The client turns
// that answer into an *APIError matching constants.ErrMigrationInProgress
// and carrying the server's Retry-After hint, so callers can tell a
// retryable pause from a permanent failure:
//
//	rec, err := c.GetRecord(ctx, "alice", "cred-1")
//	if errors.Is(err, constants.ErrMigrationInProgress) {
//		wait, _ := client.RetryAfter(err)
//		time.Sleep(wait)
//	}
package client

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
	"time"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
)

// APIError is any response with status 400 or above.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error: status=%d, code=%s, message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error: status=%d, message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case constants.ErrMigrationInProgress:
		return e.Code == constants.CodeMigrationInProgress
	case constants.ErrStoreUnavailable:
		return e.Code == constants.CodeStatusUnavailable
	case constants.ErrRecordNotFound:
		return e.StatusCode == http.StatusNotFound
	case constants.ErrInvalidTenant:
		return e.Code == constants.CodeInvalidWallet
	}
	return false
}

// RetryAfter returns the server's retry hint when err is a 503 response.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	return apiErr.RetryAfter, true
}

// MigrationResult is the answer to a migration trigger.
type MigrationResult struct {
	Wallet  string `json:"wallet"`
	Outcome string `json:"outcome"`
}

// MigrationStatus is the durable record plus the server's local view.
type MigrationStatus struct {
	Wallet  string                 `json:"wallet"`
	Record  models.MigrationRecord `json:"record"`
	Cache   string                 `json:"cache"`
	Running bool                   `json:"running"`
	Polling bool                   `json:"polling"`
	Formats map[string]int         `json:"formats,omitempty"`
}

// Record is a wallet record and the format the server stored it in.
type Record struct {
	walletdata.Record
	Format string `json:"format"`
}

type putRecord struct {
	Kind  string            `json:"kind"`
	Value []byte            `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Code = parsed.Code
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func walletPath(wallet string) string {
	return "/api/wallets/" + url.PathEscape(wallet)
}

func adminPath(wallet string) string {
	return "/api/admin/wallets/" + url.PathEscape(wallet) + "/migration"
}

// Health checks the health status of the server
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// BeginMigration triggers a wallet's migration. Outcomes already_finished
// and already_in_progress are returned as results, not errors.
func (c *Client) BeginMigration(ctx context.Context, wallet string) (*MigrationResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, adminPath(wallet), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.StatusCode = http.StatusOK
	}
	var result MigrationResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MigrationStatus returns a wallet's migration status.
func (c *Client) MigrationStatus(ctx context.Context, wallet string) (*MigrationStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, adminPath(wallet), nil)
	if err != nil {
		return nil, err
	}
	var result MigrationStatus
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRecords returns every record of a wallet.
func (c *Client) ListRecords(ctx context.Context, wallet string) ([]walletdata.Record, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, walletPath(wallet)+"/records", nil)
	if err != nil {
		return nil, err
	}
	var result []walletdata.Record
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRecord retrieves one record.
func (c *Client) GetRecord(ctx context.Context, wallet, key string) (*Record, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, walletPath(wallet)+"/records/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	var result Record
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutRecord creates or replaces one record.
func (c *Client) PutRecord(ctx context.Context, wallet, key, kind string, value []byte, tags map[string]string) (*Record, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, walletPath(wallet)+"/records/"+url.PathEscape(key), putRecord{
		Kind:  kind,
		Value: value,
		Tags:  tags,
	})
	if err != nil {
		return nil, err
	}
	var result Record
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteRecord deletes one record.
func (c *Client) DeleteRecord(ctx context.Context, wallet, key string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, walletPath(wallet)+"/records/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}
