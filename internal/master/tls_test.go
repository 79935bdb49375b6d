package master

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTLSConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  TLSConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:   "empty config should be valid",
			config: TLSConfig{},
		},
		{
			name:   "valid TLS 1.3 range",
			config: TLSConfig{MinVersion: "1.2", MaxVersion: "1.3"},
		},
		{
			name:    "invalid version range",
			config:  TLSConfig{MinVersion: "1.3", MaxVersion: "1.2"},
			wantErr: true,
			errMsg:  "min_version cannot be greater than max_version",
		},
		{
			name:    "missing client key file",
			config:  TLSConfig{ClientCertFile: "cert.pem"},
			wantErr: true,
			errMsg:  "both client_cert_file and client_key_file must be specified",
		},
		{
			name:    "unknown cipher suite",
			config:  TLSConfig{CipherSuites: []string{"INVALID_CIPHER_SUITE"}},
			wantErr: true,
			errMsg:  "INVALID_CIPHER_SUITE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("TLSConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("TLSConfig.Validate() error = %v, wanted error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestTLSConfigBuild(t *testing.T) {
	cfg, err := (&TLSConfig{}).BuildTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("Expected MinVersion TLS 1.2, got %x", cfg.MinVersion)
	}
	if cfg.InsecureSkipVerify {
		t.Error("Expected secure verification by default")
	}

	cfg, err = (&TLSConfig{
		MinVersion:   "1.3",
		MaxVersion:   "1.3",
		ServerName:   "pypi.internal",
		CipherSuites: []string{"TLS_AES_256_GCM_SHA384"},
	}).BuildTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("versions = %x-%x", cfg.MinVersion, cfg.MaxVersion)
	}
	if cfg.ServerName != "pypi.internal" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if len(cfg.CipherSuites) != 1 || cfg.CipherSuites[0] != tls.TLS_AES_256_GCM_SHA384 {
		t.Errorf("CipherSuites = %v", cfg.CipherSuites)
	}
}

func TestTLSConfigBadCAFile(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := (&TLSConfig{CACertFile: caPath}).BuildTLSConfig(); err == nil {
		t.Error("expected error for CA file without certificates")
	}
	if _, err := (&TLSConfig{CACertFile: filepath.Join(dir, "missing.pem")}).BuildTLSConfig(); err == nil {
		t.Error("expected error for missing CA file")
	}
}
