package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/breeze-rmm/agent-updater/internal/httputil"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// HTTP downloads over http and https with retry on transient failures.
type HTTP struct {
	client    *http.Client
	userAgent string
	retry     httputil.RetryConfig
}

// NewHTTP creates an http(s) source that retries transient failures.
func NewHTTP(client *http.Client, userAgent string, retries int) *HTTP {
	return &HTTP{
		client:    client,
		userAgent: userAgent,
		retry:     httputil.DefaultRetryConfig(retries),
	}
}

func (s *HTTP) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	headers := http.Header{}
	if s.userAgent != "" {
		headers.Set("User-Agent", s.userAgent)
	}

	resp, err := httputil.Get(ctx, s.client, u.String(), headers, s.retry)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if se, ok := httputil.AsStatusError(err); ok {
			return transfer.Fail(se.StatusCode, err)
		}
		return transfer.Fail(transfer.ErrorHTTPDataError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transfer.Fail(resp.StatusCode, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
	}

	dst.SetSize(resp.ContentLength)
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return readErr(ctx, err, transfer.ErrorHTTPDataError)
	}
	return nil
}

// readErr keeps write failures and cancellation as they are and classifies
// everything else as a failure reading from the source.
func readErr(ctx context.Context, err error, reason int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var re *transfer.ReasonError
	if errors.As(err, &re) {
		return err
	}
	return transfer.Fail(reason, err)
}
