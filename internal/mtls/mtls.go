// Package mtls loads the optional client certificate presented to the
// manifest server and HTTPS download mirrors.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/breeze-rmm/agent-updater/internal/logging"
)

var log = logging.L("mtls")

// LoadClientCert reads a PEM certificate and private key pair from disk.
func LoadClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse mTLS certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config presenting the client certificate.
// Returns nil if either path is empty.
func BuildTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	cert, err := LoadClientCert(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case IsExpired(cert.Leaf, now):
		log.Warn("mTLS client certificate has expired", logging.KeyPath, certFile, "notAfter", cert.Leaf.NotAfter)
	case NeedsRenewal(cert.Leaf, now):
		log.Info("mTLS client certificate is due for renewal", logging.KeyPath, certFile, "notAfter", cert.Leaf.NotAfter)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IsExpired reports whether leaf is past its NotAfter. A nil leaf is never
// expired.
func IsExpired(leaf *x509.Certificate, now time.Time) bool {
	if leaf == nil {
		return false
	}
	return now.After(leaf.NotAfter)
}

// NeedsRenewal reports whether leaf has passed 2/3 of its lifetime.
func NeedsRenewal(leaf *x509.Certificate, now time.Time) bool {
	if leaf == nil {
		return false
	}
	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	threshold := leaf.NotBefore.Add(lifetime * 2 / 3)
	return now.After(threshold)
}
