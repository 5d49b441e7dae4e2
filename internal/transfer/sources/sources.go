// Package sources implements transfer.Source for every artifact location
// the updater understands: http(s), s3, gs, az, b2 and file URIs.
package sources

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

var log = logging.L("sources")

// Config carries the credentials and endpoints for the cloud sources. Cloud
// clients are created on first use, so an unused provider needs no
// configuration.
type Config struct {
	UserAgent string
	Retries   int
	// TLS, when set, is used by the http and https sources.
	TLS *tls.Config

	S3Region          string
	S3Endpoint        string
	S3UsePathStyle    bool
	S3AccessKeyID     string
	S3SecretAccessKey string

	GCSCredentialsFile string

	// AzureAccountURL is the blob service URL, optionally with a SAS query.
	AzureAccountURL string

	B2AccountID      string
	B2ApplicationKey string
}

// Registry returns the scheme table used by transfer.Manager.
func Registry(cfg Config) map[string]transfer.Source {
	h := NewHTTP(&http.Client{Transport: defaultTransport(cfg.TLS)}, cfg.UserAgent, cfg.Retries)
	return map[string]transfer.Source{
		"http":  h,
		"https": h,
		"s3":    NewS3(cfg),
		"gs":    NewGCS(cfg.GCSCredentialsFile),
		"az":    NewAzure(cfg.AzureAccountURL),
		"b2":    NewB2(cfg.B2AccountID, cfg.B2ApplicationKey),
		"file":  File{},
	}
}

func defaultTransport(tlsCfg *tls.Config) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		t.TLSClientConfig = tlsCfg
	}
	t.ResponseHeaderTimeout = 60 * time.Second
	return t
}

// bucketAndKey splits "<scheme>://bucket/path/to/key".
func bucketAndKey(host, path string) (string, string) {
	return host, strings.TrimPrefix(path, "/")
}
