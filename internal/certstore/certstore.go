// Package certstore loads the mutual-TLS credential set used to
// authenticate against the cloud broker.
//
// Three PEM files are required: the Amazon root CA, the device
// certificate, and the device private key. They are read once at startup;
// a missing or empty file is a fatal configuration error, surfaced before
// any network activity begins.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Domain-specific errors for certificate loading.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrCertificateMissing is returned when a configured PEM file cannot be read.
	ErrCertificateMissing = errors.New("certstore: certificate file missing")

	// ErrCertificateEmpty is returned when a PEM file exists but has no content.
	ErrCertificateEmpty = errors.New("certstore: certificate file empty")

	// ErrCertificateInvalid is returned when PEM content cannot be parsed.
	ErrCertificateInvalid = errors.New("certstore: certificate invalid")
)

// Bundle holds the three PEM blobs of a device identity, loaded into
// memory once at boot.
//
// Thread Safety:
//   - Bundle is immutable after Load; safe for concurrent reads.
type Bundle struct {
	RootCA     []byte
	ClientCert []byte
	ClientKey  []byte
}

// Load reads the three credential files from disk and validates that each
// is present and non-empty.
//
// Parameters:
//   - rootCA: Path to the CA certificate PEM
//   - clientCert: Path to the device certificate PEM
//   - clientKey: Path to the device private key PEM
//
// Returns:
//   - *Bundle: Loaded credential set
//   - error: ErrCertificateMissing or ErrCertificateEmpty on failure
func Load(rootCA, clientCert, clientKey string) (*Bundle, error) {
	b := &Bundle{}

	for _, f := range []struct {
		path string
		dst  *[]byte
		name string
	}{
		{rootCA, &b.RootCA, "root CA"},
		{clientCert, &b.ClientCert, "client certificate"},
		{clientKey, &b.ClientKey, "client key"},
	} {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %w", ErrCertificateMissing, f.name, f.path, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s (%s)", ErrCertificateEmpty, f.name, f.path)
		}
		*f.dst = data
	}

	return b, nil
}

// TLSConfig builds a tls.Config for direct TLS connections (the host
// network bearer). The modem bearer uploads the same PEM blobs to the
// modem's certificate store instead.
//
// Returns:
//   - *tls.Config: TLS 1.2+, mutual auth, CA-pinned server verification
//   - error: ErrCertificateInvalid if any PEM fails to parse
func (b *Bundle) TLSConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b.RootCA) {
		return nil, fmt.Errorf("%w: root CA PEM not parseable", ErrCertificateInvalid)
	}

	cert, err := tls.X509KeyPair(b.ClientCert, b.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: client keypair: %w", ErrCertificateInvalid, err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// FileNames returns the base names of the three credential files as they
// should appear in the modem's on-module certificate store.
func FileNames(rootCA, clientCert, clientKey string) (ca, cert, key string) {
	return filepath.Base(rootCA), filepath.Base(clientCert), filepath.Base(clientKey)
}
