package servicenow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cragr/snowmirror/internal/config"
	"github.com/cragr/snowmirror/internal/models"
)

// Client handles communication with the ServiceNow Table API.
type Client struct {
	baseURL     string
	username    string
	password    string
	pageSize    int
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// NewClient creates a new ServiceNow API client.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	pageSize := cfg.QueryPageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServiceNowBaseURL, "/"),
		username:    cfg.ServiceNowUsername,
		password:    cfg.ServiceNowPassword,
		pageSize:    pageSize,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		retryConfig: DefaultRetryConfig(),
		logger:      logger,
	}
}

// listResponse is the Table API envelope for list queries.
type listResponse struct {
	Result []models.RawRecord `json:"result"`
}

// Query returns all records of the given table matching the encoded filter
// expression, paging through the Table API until the result set is exhausted.
func (c *Client) Query(ctx context.Context, table, filterExpr string) ([]models.RawRecord, error) {
	var all []models.RawRecord
	offset := 0

	for {
		page, err := c.queryPage(ctx, table, filterExpr, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
		offset += c.pageSize
	}
}

// QueryChangedSince returns records in any of the given states whose
// sys_updated_on falls on or after the window start.
func (c *Client) QueryChangedSince(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
	return c.Query(ctx, table, DeltaQuery(stateCodes, since))
}

// FetchOne returns the record with the given sys_id, or nil if none exists.
func (c *Client) FetchOne(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
	records, err := c.queryPage(ctx, table, "sys_id="+externalID, 0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c *Client) queryPage(ctx context.Context, table, filterExpr string, offset int) ([]models.RawRecord, error) {
	params := url.Values{}
	params.Set("sysparm_query", filterExpr)
	params.Set("sysparm_display_value", "all")
	params.Set("sysparm_limit", strconv.Itoa(c.pageSize))
	if offset > 0 {
		params.Set("sysparm_offset", strconv.Itoa(offset))
	}
	endpoint := fmt.Sprintf("%s/api/now/table/%s?%s", c.baseURL, url.PathEscape(table), params.Encode())

	c.logger.Debug("querying ServiceNow",
		"table", table,
		"query", filterExpr,
		"offset", offset,
	)

	var records []models.RawRecord

	err := WithRetry(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if err := c.checkResponse(resp); err != nil {
			return err
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		var listResp listResponse
		if err := json.Unmarshal(respBody, &listResp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}

		records = listResp.Result
		return nil
	})

	if err != nil {
		return nil, err
	}

	return records, nil
}

// setHeaders sets common headers for ServiceNow API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// checkResponse validates the HTTP response from ServiceNow.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	c.logger.Error("ServiceNow API error",
		"status_code", resp.StatusCode,
		"response", string(body),
	)

	return &RetryableError{
		Err:        fmt.Errorf("ServiceNow API returned status %d: %s", resp.StatusCode, string(body)),
		StatusCode: resp.StatusCode,
	}
}
