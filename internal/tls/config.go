package tls

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/craftd/craftd/internal/config"
)

// DevConfig returns a TLS block that auto-generates a self-signed
// certificate under certDir. Meant for development listeners; production
// daemons should point CertFile/KeyFile at real material.
func DevConfig(certDir string) *config.TLSConfig {
	return &config.TLSConfig{
		Enabled:      true,
		Dir:          certDir,
		AutoGenerate: true,
		AutoGen: &config.AutoGenTLS{
			CommonName: "localhost",
			DNSNames:   []string{"localhost", "127.0.0.1"},
			ValidDays:  365,
		},
	}
}

// CreateDevTLS prepares a development TLS block with certificates under
// <baseDir>/tls, creating the directory.
func CreateDevTLS(baseDir string) (*config.TLSConfig, error) {
	certDir := filepath.Join(baseDir, "tls")
	if err := os.MkdirAll(certDir, 0o750); err != nil {
		return nil, fmt.Errorf("create tls directory: %w", err)
	}
	return DevConfig(certDir), nil
}
