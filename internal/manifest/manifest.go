// Package manifest fetches the remote descriptor of the latest available
// build.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/breeze-rmm/agent-updater/internal/logging"
)

var log = logging.L("manifest")

const maxManifestBytes = 64 * 1024

// Manifest describes the latest published build. It is fetched fresh on every
// check and never persisted.
type Manifest struct {
	VersionCode  int64  `json:"versionCode"`
	VersionName  string `json:"versionName"`
	DownloadURL  string `json:"downloadUrl"`
	ReleaseNotes string `json:"releaseNotes"`
}

// Title is the short human-readable label for the transfer.
func (m *Manifest) Title() string {
	return "Breeze update " + displayVersion(m.VersionName)
}

// Description is the longer label shown next to the transfer.
func (m *Manifest) Description() string {
	return fmt.Sprintf("Downloading version %s (build %d)", displayVersion(m.VersionName), m.VersionCode)
}

func displayVersion(name string) string {
	v, err := goversion.NewVersion(name)
	if err != nil {
		return name
	}
	return "v" + v.String()
}

func (m *Manifest) validate() error {
	switch {
	case m.VersionCode <= 0:
		return errors.New("versionCode must be positive")
	case m.VersionName == "":
		return errors.New("versionName is required")
	case m.DownloadURL == "":
		return errors.New("downloadUrl is required")
	}
	return nil
}

// FetchErrorKind says which step of a manifest fetch failed.
type FetchErrorKind int

const (
	FetchTransport FetchErrorKind = iota
	FetchStatus
	FetchDecode
	FetchInvalid
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTransport:
		return "transport"
	case FetchStatus:
		return "status"
	case FetchDecode:
		return "decode"
	case FetchInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FetchError is returned for every failed fetch. Its message is what
// observers see in the check state, so transport errors surface their cause
// (e.g. "timeout") directly.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchStatus:
		return fmt.Sprintf("manifest request returned HTTP %d", e.StatusCode)
	case FetchDecode:
		return fmt.Sprintf("malformed manifest: %v", e.Err)
	case FetchInvalid:
		return fmt.Sprintf("invalid manifest: %v", e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Source is anything that can produce the latest manifest.
type Source interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// Fetcher performs one GET per call against a fixed manifest URL. It does not
// retry or cache.
type Fetcher struct {
	url       string
	userAgent string
	client    *http.Client
}

// NewFetcher creates a Fetcher for url with the given request timeout.
func NewFetcher(url, agentVersion string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		url:       url,
		userAgent: "breeze-updater/" + agentVersion,
		client:    &http.Client{Timeout: timeout},
	}
}

// WithClient replaces the HTTP client, used by tests and custom transports.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Fetch downloads and validates the manifest.
func (f *Fetcher) Fetch(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, URL: f.url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, URL: f.url, Err: transportCause(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return nil, &FetchError{Kind: FetchStatus, URL: f.url, StatusCode: resp.StatusCode}
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&m); err != nil {
		return nil, &FetchError{Kind: FetchDecode, URL: f.url, StatusCode: resp.StatusCode, Err: err}
	}
	if err := m.validate(); err != nil {
		return nil, &FetchError{Kind: FetchInvalid, URL: f.url, StatusCode: resp.StatusCode, Err: err}
	}

	log.Debug("manifest fetched",
		logging.KeyVersionCode, m.VersionCode,
		logging.KeyVersionName, m.VersionName,
	)
	return &m, nil
}

// ErrTimeout replaces deadline errors so observers get a stable message
// instead of the full client error chain.
var ErrTimeout = errors.New("timeout")

func transportCause(err error) error {
	var te interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
		log.Debug("manifest request timed out", logging.KeyError, err)
		return ErrTimeout
	}
	return err
}
