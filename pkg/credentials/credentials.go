// Package credentials resolves and loads the certificate/key pair used
// for the registry's mutual-TLS authentication.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrUnusable marks a certificate or key that cannot be read or parsed.
// Callers must treat it as fatal: re-attempting cannot help.
var ErrUnusable = errors.New("unusable certificate or key")

// Paths returns the conventional credential file names for a prefix and
// user index, e.g. `21.12102_USER01_312_certificate_only.pem`.
func Paths(prefix, index string) (certFile, keyFile string) {
	certFile = fmt.Sprintf("%s_USER01_%s_certificate_only.pem", prefix, index)
	keyFile = fmt.Sprintf("%s_USER01_%s_privkey.pem", prefix, index)
	return certFile, keyFile
}

// Load reads and parses the PEM pair for client authentication.
func Load(certFile, keyFile string) (tls.Certificate, error) {
	for _, path := range []string{certFile, keyFile} {
		if _, err := os.Stat(path); err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: %s: %v", ErrUnusable, path, err)
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrUnusable, err)
	}
	return cert, nil
}

// CAPool builds a certificate pool from a PEM bundle. Used when the
// registry endpoint is not signed by a system CA (tests, staging).
func CAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnusable, caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrUnusable, caFile)
	}
	return pool, nil
}
