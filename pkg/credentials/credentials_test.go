package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/noord-hollandsarchief/hdl-custom/internal/testutil/tlstest"
)

func TestPaths(t *testing.T) {
	cert, key := Paths("21.12102", "312")
	if cert != "21.12102_USER01_312_certificate_only.pem" {
		t.Errorf("cert path = %q", cert)
	}
	if key != "21.12102_USER01_312_privkey.pem" {
		t.Errorf("key path = %q", key)
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing-key.pem"))
	if err == nil {
		t.Fatal("Load() with missing files should fail")
	}
	if !errors.Is(err, ErrUnusable) {
		t.Errorf("Load() error = %v, want ErrUnusable", err)
	}
}

func TestLoad_GarbagePEM(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	for _, p := range []string{certPath, keyPath} {
		if err := os.WriteFile(p, []byte("not a pem"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	_, err := Load(certPath, keyPath)
	if !errors.Is(err, ErrUnusable) {
		t.Errorf("Load() error = %v, want ErrUnusable", err)
	}
}

func TestLoad_ValidPair(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	certPath, keyPath := ca.IssueClientPEM(t, dir, "21.12102", "312")

	cert, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Error("Load() returned empty certificate chain")
	}
}

func TestCAPool(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)

	pool, err := CAPool(ca.CAFile())
	if err != nil {
		t.Fatalf("CAPool() unexpected error: %v", err)
	}
	if pool == nil {
		t.Fatal("CAPool() returned nil pool")
	}

	if _, err := CAPool(filepath.Join(dir, "nope.pem")); !errors.Is(err, ErrUnusable) {
		t.Errorf("CAPool() on missing file = %v, want ErrUnusable", err)
	}
}
