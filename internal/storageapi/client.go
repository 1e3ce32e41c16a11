package storageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const preparePath = "/v2/storage/files/prepare"

// APIError is a non-2xx Storage API response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("storage api %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client calls the Storage API.
type Client struct {
	baseURL string
	token   string
	retries uint64
	client  *http.Client
}

// NewClient creates a Storage API client.
func NewClient(baseURL, token string, timeout time.Duration, retries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		retries: uint64(retries),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Prepare registers a new file and returns its upload parameters.
func (c *Client) Prepare(ctx context.Context, req *PrepareRequest) (*PreparedFile, error) {
	form := url.Values{}
	form.Set("name", req.Name)
	form.Set("sizeBytes", strconv.FormatInt(req.SizeBytes, 10))
	form.Set("isSliced", boolParam(req.Sliced))
	form.Set("federationToken", boolParam(req.FederationToken))
	form.Set("isEncrypted", boolParam(req.Encrypted))
	form.Set("isPublic", boolParam(req.Public))
	for _, tag := range req.Tags {
		form.Add("tags[]", tag)
	}

	var prepared *PreparedFile
	attempt := 0
	op := func() error {
		attempt++
		p, err := c.post(ctx, preparePath, form)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Printf("[storageapi] prepare attempt %d failed: %v", attempt, err)
			return err
		}
		prepared = p
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("prepare file %s: %w", req.Name, err)
	}

	log.Printf("[storageapi] prepared file id=%d bucket=%s key=%s", prepared.ID, prepared.UploadParams.Bucket, prepared.UploadParams.Key)
	return prepared, nil
}

// post sends a single form POST.
func (c *Client) post(ctx context.Context, path string, form url.Values) (*PreparedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-StorageApi-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}

	var prepared PreparedFile
	if err := json.Unmarshal(body, &prepared); err != nil {
		return nil, fmt.Errorf("decode prepare response: %w", err)
	}
	return &prepared, nil
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
