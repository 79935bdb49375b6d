package master

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds TLS settings for the connection to the index.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version,omitempty"`
	MaxVersion         string   `toml:"max_version,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
	CACertFile         string   `toml:"ca_cert_file,omitempty"`
	ClientCertFile     string   `toml:"client_cert_file,omitempty"`
	ClientKeyFile      string   `toml:"client_key_file,omitempty"`
	ServerName         string   `toml:"server_name,omitempty"`
	CipherSuites       []string `toml:"cipher_suites,omitempty"`
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.Newf("unsupported TLS version %q (use 1.2 or 1.3)", v)
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, cs := range tls.CipherSuites() {
		if cs.Name == name {
			return cs.ID, true
		}
	}
	return 0, false
}

// Validate checks the settings without touching the filesystem.
func (c *TLSConfig) Validate() error {
	minV, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return errors.Wrap(err, "min_version")
	}
	maxV, err := parseTLSVersion(c.MaxVersion)
	if err != nil {
		return errors.Wrap(err, "max_version")
	}
	if minV != 0 && maxV != 0 && minV > maxV {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range c.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.Newf("unknown or insecure cipher suite %q", name)
		}
	}
	if c.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled for the index connection")
	}
	return nil
}

// BuildTLSConfig converts c into a *tls.Config. TLS 1.2 is the floor.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - explicit operator opt-in
		ServerName:         c.ServerName,
	}
	if v, _ := parseTLSVersion(c.MinVersion); v != 0 {
		cfg.MinVersion = v
	}
	if v, _ := parseTLSVersion(c.MaxVersion); v != 0 {
		cfg.MaxVersion = v
	}
	for _, name := range c.CipherSuites {
		id, _ := cipherSuiteID(name)
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read ca_cert_file %s", c.CACertFile)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("no certificates found in ca_cert_file %s", c.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
