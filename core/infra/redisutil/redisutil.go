package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "REDIS_TLS_CA"
	envTLSCert       = "REDIS_TLS_CERT"
	envTLSKey        = "REDIS_TLS_KEY"
	envTLSInsecure   = "REDIS_TLS_INSECURE"
	envTLSServerName = "REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	pingTimeout = 2 * time.Second
)

// NewClient creates a Redis universal client. TLS material and cluster
// addresses are picked up from the environment when present.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := clusterAddrs()
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect creates a client and verifies the connection with a short ping.
func Connect(url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ParseOptions parses a Redis URL and layers TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	env := readTLSEnv()
	if env.empty() {
		return opts, nil
	}
	cfg, err := env.build(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = cfg
	return opts, nil
}

type tlsEnv struct {
	caPath     string
	certPath   string
	keyPath    string
	serverName string
	insecure   bool
}

func readTLSEnv() tlsEnv {
	return tlsEnv{
		caPath:     strings.TrimSpace(os.Getenv(envTLSCA)),
		certPath:   strings.TrimSpace(os.Getenv(envTLSCert)),
		keyPath:    strings.TrimSpace(os.Getenv(envTLSKey)),
		serverName: strings.TrimSpace(os.Getenv(envTLSServerName)),
		insecure:   boolEnv(envTLSInsecure),
	}
}

func (e tlsEnv) empty() bool {
	return e.caPath == "" && e.certPath == "" && e.keyPath == "" && e.serverName == "" && !e.insecure
}

func (e tlsEnv) build(existing *tls.Config) (*tls.Config, error) {
	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	if e.serverName != "" {
		cfg.ServerName = e.serverName
	}
	if e.insecure {
		cfg.InsecureSkipVerify = true
	}
	if e.caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(e.caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", e.caPath)
		}
		cfg.RootCAs = pool
	}
	if e.certPath != "" || e.keyPath != "" {
		if e.certPath == "" || e.keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(e.certPath, e.keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func clusterAddrs() []string {
	raw := strings.TrimSpace(os.Getenv(envClusterAddrs))
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
