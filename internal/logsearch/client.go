// Package logsearch queries a Loki-compatible log aggregator. Results are
// bounded on both axes: lines are truncated and the per-call line count is
// capped, because log output feeds an LLM context window.
package logsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	remerr "github.com/tallenb/remedy/internal/errors"
)

const (
	defaultTimeout = 15 * time.Second
	maxLines       = 100
	maxLineLength  = 500
)

// Line is one log entry with its stream labels.
type Line struct {
	Timestamp time.Time
	Message   string
	Labels    map[string]string
}

// Client queries the aggregator's range endpoint. Calls are not retried:
// log search is advisory and a missing result never blocks remediation.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given Loki base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 || timeout > defaultTimeout {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query runs a range log query and returns matching lines, newest first.
func (c *Client) Query(ctx context.Context, expr string, start, end time.Time, limit int) ([]Line, error) {
	if limit <= 0 || limit > maxLines {
		limit = maxLines
	}

	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "backward")

	endpoint := c.baseURL + "/loki/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, remerr.New(remerr.KindValidation, "log_query", c.baseURL, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, remerr.New(remerr.KindRemoteUnavailable, "log_query", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, remerr.New(remerr.KindRemoteUnavailable, "log_query", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remerr.New(remerr.KindRemoteUnavailable, "log_query", c.baseURL,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var parsed queryRangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, remerr.New(remerr.KindValidation, "log_query", c.baseURL,
			fmt.Errorf("decode response: %w", err))
	}

	var lines []Line
	for _, stream := range parsed.Data.Result {
		for _, entry := range stream.Values {
			ns, err := strconv.ParseInt(entry[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, Line{
				Timestamp: time.Unix(0, ns),
				Message:   truncate(entry[1], maxLineLength),
				Labels:    stream.Stream,
			})
		}
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].Timestamp.After(lines[j].Timestamp) })
	if len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
