package bus

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNATSTLSConfigFromEnvDisabledByDefault(t *testing.T) {
	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("no TLS env must yield nil config, got %+v", cfg)
	}
}

func TestNATSTLSConfigFromEnvInsecure(t *testing.T) {
	t.Setenv(envNATSTLSInsecure, "true")
	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config, got %+v", cfg)
	}
}

func TestNATSTLSConfigFromEnvWithCAAndCert(t *testing.T) {
	certPath, keyPath := selfSignedPair(t)
	t.Setenv(envNATSTLSCA, certPath)
	t.Setenv(envNATSTLSCert, certPath)
	t.Setenv(envNATSTLSKey, keyPath)

	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.RootCAs == nil {
		t.Fatalf("expected root CA pool")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one client certificate, got %d", len(cfg.Certificates))
	}
}

func TestNATSTLSConfigFromEnvCertWithoutKey(t *testing.T) {
	certPath, _ := selfSignedPair(t)
	t.Setenv(envNATSTLSCert, certPath)

	if _, err := natsTLSConfigFromEnv(); err == nil {
		t.Fatalf("cert without key must be an error")
	}
}

// selfSignedPair writes a throwaway CA cert and key under t.TempDir.
func selfSignedPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mycelia-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "nats.crt")
	keyPath := filepath.Join(dir, "nats.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
