// Package redisutil dials the single Redis deployment every tenantgate
// process shares. The job store scripts, the create pipeline and the
// multi-key BRPOP touch several keys at once, so only standalone (or
// proxied) Redis is supported; there is no cluster client.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 2 * time.Second

// TLSOptions are file-based TLS settings layered over the URL. A rediss://
// URL alone already enables TLS with system roots.
type TLSOptions struct {
	CAFile     string `env:"CA"`
	CertFile   string `env:"CERT"`
	KeyFile    string `env:"KEY"`
	ServerName string `env:"SERVER_NAME"`
	Insecure   bool   `env:"INSECURE"`
}

func (o TLSOptions) empty() bool {
	return o.CAFile == "" && o.CertFile == "" && o.KeyFile == "" && o.ServerName == "" && !o.Insecure
}

// TLSFromEnv reads REDIS_TLS_* variables.
func TLSFromEnv() (TLSOptions, error) {
	opts, err := env.ParseAsWithOptions[TLSOptions](env.Options{Prefix: "REDIS_TLS_"})
	if err != nil {
		return TLSOptions{}, fmt.Errorf("parse redis tls env: %w", err)
	}
	return opts, nil
}

// Connect builds a client for url and verifies it answers PING.
func Connect(ctx context.Context, url string, tlsOpts TLSOptions) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url, tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", redactURL(url), err)
	}
	return client, nil
}

// ParseOptions parses a redis:// or rediss:// URL and applies tlsOpts.
func ParseOptions(url string, tlsOpts TLSOptions) (*redis.Options, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, err
	}
	if tlsOpts.empty() {
		return opts, nil
	}
	cfg, err := buildTLS(opts.TLSConfig, tlsOpts)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = cfg
	return opts, nil
}

func buildTLS(base *tls.Config, o TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || o.Insecure

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis ca: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", o.CAFile)
		}
		cfg.RootCAs = roots
	}
	switch {
	case o.CertFile == "" && o.KeyFile == "":
	case o.CertFile == "" || o.KeyFile == "":
		return nil, errors.New("redis client cert and key must be set together")
	default:
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
