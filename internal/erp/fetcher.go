package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Fetcher issues a single document query against the ERP gateway and
// returns the raw result rows. Pagination is the caller's concern.
type Fetcher interface {
	Fetch(ctx context.Context, formID string, fieldKeys []string, filter string, limit, startRow int) ([][]any, error)
}

// Client talks to the ERP query gateway over HTTP. All calls share one
// rate limiter so sync workers cannot stampede the ERP.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient builds an ERP gateway client. rps caps outbound queries per
// second across all goroutines.
func NewClient(baseURL, appToken string, rps int) *Client {
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		appToken: appToken,
		http:     &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type queryRequest struct {
	FormID       string `json:"form_id"`
	FieldKeys    string `json:"field_keys"`
	FilterString string `json:"filter_string"`
	Limit        int    `json:"limit"`
	StartRow     int    `json:"start_row"`
}

// Fetch posts one bill query to the gateway. The response body is a JSON
// array of rows, each row an array of column values in field key order.
func (c *Client) Fetch(ctx context.Context, formID string, fieldKeys []string, filter string, limit, startRow int) ([][]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(queryRequest{
		FormID:       formID,
		FieldKeys:    strings.Join(fieldKeys, ","),
		FilterString: filter,
		Limit:        limit,
		StartRow:     startRow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query for %s: %w", formID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/bill-query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", formID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query %s returned %d: %s", formID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var rows [][]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", formID, err)
	}
	return rows, nil
}
