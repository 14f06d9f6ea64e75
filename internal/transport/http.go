// Package transport fetches lesson media over HTTP with byte-range resume.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
)

// Stream is an open media body. Offset is the byte position the body starts
// at, which is 0 when the server ignored the requested range.
type Stream struct {
	Body   io.ReadCloser
	Offset int64
	Total  int64
}

// HTTPTransport serves media from {baseURL}/lessons/{lessonID}/media/{quality}.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (t *HTTPTransport) mediaURL(lessonID string, quality lesson.Quality) string {
	return fmt.Sprintf("%s/lessons/%s/media/%s", t.baseURL, url.PathEscape(lessonID), quality)
}

// Size returns the byte size of a lesson's media using a HEAD request.
func (t *HTTPTransport) Size(ctx context.Context, lessonID string, quality lesson.Quality) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("lesson_id", lessonID, "quality", quality)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.mediaURL(lessonID, quality), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create size request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "size request failed", "err", err)

		return 0, &NetworkError{Operation: "size", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus("size", resp); err != nil {
		return 0, err
	}

	if resp.ContentLength < 0 {
		return 0, &NetworkError{Operation: "size", StatusCode: resp.StatusCode, Message: "missing content length"}
	}

	return resp.ContentLength, nil
}

// Open starts streaming a lesson's media from offset.
func (t *HTTPTransport) Open(ctx context.Context, lessonID string, quality lesson.Quality, offset int64) (*Stream, error) {
	logger := logctx.LoggerFromContext(ctx).With("lesson_id", lessonID, "quality", quality)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.mediaURL(lessonID, quality), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create open request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "open", Message: err.Error(), Err: err}
	}

	if err := checkStatus("open", resp); err != nil {
		resp.Body.Close()

		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()

			return nil, &NetworkError{Operation: "open", StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
		}

		return &Stream{Body: resp.Body, Offset: start, Total: total}, nil
	default:
		if offset > 0 {
			logger.DebugContext(ctx, "server ignored range, restarting from zero", "offset", offset)
		}

		return &Stream{Body: resp.Body, Offset: 0, Total: resp.ContentLength}, nil
	}
}

func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{Operation: op}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var msg string
		if resp.Request != nil && resp.Request.Method != http.MethodHead {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg = strings.TrimSpace(string(b))
		}

		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}

		return &NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: msg}
	}

	return nil
}

// parseContentRange parses "bytes start-end/total". An unknown total ("*")
// is reported as -1.
func parseContentRange(v string) (int64, int64, error) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	span, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	startStr, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid content range start %q: %w", v, err)
	}

	if totalStr == "*" {
		return start, -1, nil
	}

	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid content range total %q: %w", v, err)
	}

	return start, total, nil
}
