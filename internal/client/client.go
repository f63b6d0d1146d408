// Package client talks to the collector's query API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/models"
)

var ErrNotFound = errors.New("client: not found")

// APIError is a non-2xx answer from the collector.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collector returned %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	http *resty.Client
}

// New returns a client for the query API at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// HistoryQuery narrows a history request. Zero values are left out.
type HistoryQuery struct {
	Date  string
	Limit int
}

func (q HistoryQuery) params() map[string]string {
	p := map[string]string{}
	if q.Date != "" {
		p["date"] = q.Date
	}
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	return p
}

func (c *Client) StaffList(ctx context.Context) (models.StaffListResponse, error) {
	var out models.StaffListResponse
	err := c.getJSON(ctx, "/api/staff-list", nil, &out)
	return out, err
}

func (c *Client) StaffHistory(ctx context.Context, staffID string, q HistoryQuery) (models.HistoryResponse, error) {
	var out models.HistoryResponse
	err := c.getJSON(ctx, "/api/staff-history/"+url.PathEscape(staffID), q.params(), &out)
	return out, err
}

func (c *Client) StaffVideos(ctx context.Context, staffID string, q HistoryQuery) (models.VideoHistoryResponse, error) {
	var out models.VideoHistoryResponse
	err := c.getJSON(ctx, "/api/staff-videos/"+url.PathEscape(staffID), q.params(), &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (models.StatsResponse, error) {
	var out models.StatsResponse
	err := c.getJSON(ctx, "/api/stats", nil, &out)
	return out, err
}

// Fetch downloads an artifact by the path the API lists it under, e.g.
// /screenshots/alice/latest.jpg.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, string, error) {
	if !strings.HasPrefix(path, "/screenshots/") && !strings.HasPrefix(path, "/videos/") {
		return nil, "", fmt.Errorf("client: not an artifact path: %q", path)
	}
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, "", fmt.Errorf("client: fetch %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, "", err
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("client: get %s: %w", path, err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
}
