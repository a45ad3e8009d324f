package certauth

import (
	"crypto/x509"
	"path/filepath"
	"sync"
	"testing"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	generated, err := Generate("test.proxy.ca", 30)
	if err != nil {
		t.Fatal(err)
	}
	if err := generated.WriteFiles(certPath, keyPath); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	return loaded
}

func TestLoadMissingPair(t *testing.T) {
	if _, err := Load("/nonexistent/ca.crt", "/nonexistent/ca.key"); err == nil {
		t.Fatal("expected error for missing root pair")
	}
}

func TestLeafSignedByRoot(t *testing.T) {
	authority := newTestAuthority(t)

	leaf, err := authority.Leaf("api.example.test")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.DNSNames) != 1 || parsed.DNSNames[0] != "api.example.test" {
		t.Errorf("DNSNames = %v, want [api.example.test]", parsed.DNSNames)
	}

	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(authority.CertPEM())
	if _, err := parsed.Verify(x509.VerifyOptions{Roots: roots, DNSName: "api.example.test"}); err != nil {
		t.Errorf("leaf does not verify against root: %v", err)
	}
}

func TestLeafIPHost(t *testing.T) {
	authority := newTestAuthority(t)

	leaf, err := authority.Leaf("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.IPAddresses) != 1 {
		t.Errorf("IPAddresses = %v, want one entry", parsed.IPAddresses)
	}
}

func TestLeafCachedAndDeduplicated(t *testing.T) {
	authority := newTestAuthority(t)

	const workers = 16
	leaves := make([]*x509.Certificate, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			leaf, err := authority.Leaf("shared.example.test")
			if err != nil {
				t.Error(err)
				return
			}
			parsed, err := x509.ParseCertificate(leaf.Certificate[0])
			if err != nil {
				t.Error(err)
				return
			}
			leaves[i] = parsed
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if leaves[i] == nil || leaves[0] == nil {
			t.Fatal("missing leaf")
		}
		if leaves[i].SerialNumber.Cmp(leaves[0].SerialNumber) != 0 {
			t.Fatalf("worker %d got a different certificate; mint was not deduplicated", i)
		}
	}
}
