// Package certauth owns the proxy's root key pair and mints per-host leaf
// certificates on demand. The root is loaded once at startup and is immutable
// for the process lifetime; leaves are cached per host and never evicted
// during a run.
package certauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// keySize is used for both the generated root and minted leaves. 2048 keeps
// per-host minting cheap; the root's security margin comes from it living
// only on the operator's machine.
const keySize = 2048

var errNotRSAKey = errors.New("certauth: private key is not of RSA type")

// Authority is a loaded CA root plus its lazily populated leaf cache.
type Authority struct {
	cert       *x509.Certificate
	privateKey *rsa.PrivateKey
	certBytes  []byte

	mu     sync.RWMutex
	leaves map[string]tls.Certificate
	group  singleflight.Group
}

// Load reads the root certificate and private key from disk. Both PKCS#1 and
// PKCS#8 key encodings are accepted. Any failure here is a startup failure:
// a proxy without a trust anchor cannot serve any connection.
func Load(certPath, keyPath string) (*Authority, error) {
	certPem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certauth: read root certificate: %w", err)
	}
	keyPem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("certauth: read root key: %w", err)
	}
	certBlock, _ := pem.Decode(certPem)
	keyBlock, _ := pem.Decode(keyPem)
	if certBlock == nil || keyBlock == nil {
		return nil, errors.New("certauth: malformed PEM in root pair")
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certauth: parse root certificate: %w", err)
	}
	rootKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return &Authority{
		cert:       rootCert,
		privateKey: rootKey,
		certBytes:  certBlock.Bytes,
		leaves:     make(map[string]tls.Certificate),
	}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("certauth: parse root key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSAKey
	}
	return rsaKey, nil
}

// Generate creates a fresh self-signed root pair. Used by the gencert
// command; the running proxy only ever loads an existing pair.
func Generate(commonName string, days int) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, days),
		KeyUsage: x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature |
			x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &Authority{
		cert:       template,
		privateKey: key,
		certBytes:  certBytes,
		leaves:     make(map[string]tls.Certificate),
	}, nil
}

// WriteFiles persists the root pair as PEM. The key file is written with
// owner-only permissions.
func (a *Authority) WriteFiles(certPath, keyPath string) error {
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.certBytes})
	keyPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(a.privateKey),
	})
	if err := os.WriteFile(certPath, certPem, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPem, 0o600)
}

// CertPEM returns the PEM-encoded root certificate, for clients that need to
// trust the proxy (tests, trust-store installers).
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.certBytes})
}

// Leaf returns a certificate for host, minting and caching one on first use.
// Concurrent misses for the same host share a single mint.
func (a *Authority) Leaf(host string) (tls.Certificate, error) {
	a.mu.RLock()
	leaf, ok := a.leaves[host]
	a.mu.RUnlock()
	if ok {
		return leaf, nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		a.mu.RLock()
		leaf, ok := a.leaves[host]
		a.mu.RUnlock()
		if ok {
			return leaf, nil
		}
		leaf, err := a.mint(host)
		if err != nil {
			return tls.Certificate{}, err
		}
		a.mu.Lock()
		a.leaves[host] = leaf
		a.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return v.(tls.Certificate), nil
}

func (a *Authority) mint(host string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certauth: mint leaf for %s: %w", host, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certBytes, a.certBytes},
		PrivateKey:  key,
	}, nil
}
