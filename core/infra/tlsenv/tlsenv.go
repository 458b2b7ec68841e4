// Package tlsenv builds client TLS settings from <PREFIX>_CA, _CERT, _KEY,
// _INSECURE and _SERVER_NAME environment variables.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Load returns base untouched when none of the prefix variables are set.
// Otherwise it returns a copy of base (or a fresh config) with the variables
// applied. base is never modified.
func Load(prefix string, base *tls.Config) (*tls.Config, error) {
	get := func(suffix string) string { return strings.TrimSpace(os.Getenv(prefix + "_" + suffix)) }
	caPath, certPath, keyPath := get("CA"), get("CERT"), get("KEY")
	serverName := get("SERVER_NAME")
	insecure := parseBool(get("INSECURE"))
	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return base, nil
	}

	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	name := strings.ToLower(prefix)

	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%s ca read: %w", name, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s ca parse: %s", name, caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s cert and key must be set together", name)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("%s keypair: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
