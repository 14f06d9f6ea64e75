// Package remote talks to the course platform: progress batches, the module
// catalog and the health endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/telemetry"
	"github.com/italolelis/lesson_offline/internal/transport"
)

const clientName = "platform"

// ErrModuleNotFound is returned when the catalog does not know a module.
var ErrModuleNotFound = errors.New("module not found")

// Result is the server's verdict on one pushed progress record.
type Result struct {
	Key      lesson.Key `json:"key"`
	Accepted bool       `json:"accepted"`
	// Remote is the server copy when it differs from what was pushed.
	Remote *lesson.VideoProgress `json:"remote,omitempty"`
}

type batchRequest struct {
	Records []lesson.VideoProgress `json:"records"`
}

type batchResponse struct {
	Results []Result `json:"results"`
}

type moduleResponse struct {
	Lessons []struct {
		ID string `json:"id"`
	} `json:"lessons"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	telemetry  *telemetry.Telemetry
}

func NewClient(baseURL string, httpClient *http.Client, tel *telemetry.Telemetry) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		telemetry:  tel,
	}
}

// PushProgress sends a batch of progress records and returns one result per
// record the server answered for.
func (c *Client) PushProgress(ctx context.Context, records []lesson.VideoProgress) ([]Result, error) {
	var results []Result

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, "push_progress", func(ctx context.Context) error {
		body, err := json.Marshal(batchRequest{Records: records})
		if err != nil {
			return fmt.Errorf("failed to marshal progress batch: %w", err)
		}

		var resp batchResponse
		if err := c.do(ctx, "push_progress", http.MethodPost, "/progress/batch", body, &resp); err != nil {
			return err
		}

		results = resp.Results

		return nil
	})
	if err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "progress batch pushed", "records", len(records), "results", len(results))

	return results, nil
}

// ModuleLessons returns the lesson ids of a course module in catalog order.
func (c *Client) ModuleLessons(ctx context.Context, moduleID string) ([]string, error) {
	var ids []string

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, "module_lessons", func(ctx context.Context) error {
		var resp moduleResponse

		path := "/modules/" + url.PathEscape(moduleID) + "/lessons"
		if err := c.do(ctx, "module_lessons", http.MethodGet, path, nil, &resp); err != nil {
			var netErr *transport.NetworkError
			if errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
			}

			return err
		}

		ids = make([]string, 0, len(resp.Lessons))
		for _, l := range resp.Lessons {
			ids = append(ids, l.ID)
		}

		return nil
	})

	return ids, err
}

// Health returns nil when the platform answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transport.NetworkError{Operation: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &transport.AuthenticationError{Operation: op}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &transport.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transport.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}

	return nil
}
