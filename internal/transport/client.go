package transport

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// NewHTTPClient returns a traced HTTP client. When token is set every request
// carries it as a bearer token. A zero timeout leaves requests unbounded,
// which media streams need.
func NewHTTPClient(token string, timeout time.Duration) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	if token == "" {
		base.Timeout = timeout

		return base
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client.Timeout = timeout

	return client
}
