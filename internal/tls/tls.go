// Package tls builds the control API's TLS configuration from the daemon
// config: explicit certificate files, a certificate directory, or
// self-signed material generated on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/craftd/craftd/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveTLSVersions(tc *config.TLSConfig) (minVer uint16, maxVer uint16) {
	minVer = tls.VersionTLS13
	maxVer = tls.VersionTLS13
	if v, ok := parseTLSVersion(tc.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseTLSVersion(tc.MaxVersion); ok {
		maxVer = v
	}
	return
}

// safeReadFile refuses to follow paths outside the certificate directory.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificateFunc loads the key pair on every handshake, so rotated
// certificates are picked up without a daemon restart.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(certPEM, keyPEM)
		return &certificate, err
	}
}

// Setup returns the *tls.Config for the control API listener, or nil when
// TLS is disabled. With Dir set and AutoGenerate on, missing certificates
// are generated self-signed.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	tc := server.TLS
	if tc == nil || !tc.Enabled {
		return nil, nil
	}

	minVer, maxVer := resolveTLSVersions(tc)

	if tc.CertFile != "" && tc.KeyFile != "" {
		return newTLSConfig(tc.CertFile, tc.KeyFile, minVer, maxVer), nil
	}

	if tc.Dir != "" {
		certPath := filepath.Join(tc.Dir, tlsCrt)
		keyPath := filepath.Join(tc.Dir, tlsKey)
		if tc.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(tc, tc.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return newTLSConfig(certPath, keyPath, minVer, maxVer), nil
	}

	return nil, errors.New("tls enabled but no certificate configuration found")
}

func newTLSConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	// #nosec G402 older minimum versions are an explicit operator choice
	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func orDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func generateCertificate(tc *config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	autoGen := tc.AutoGen
	if autoGen == nil {
		autoGen = &config.AutoGenTLS{}
	}

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(autoGen.CommonName, "localhost"),
		Organization: orDefault(autoGen.Organization, "craftd"),
		DNSNames:     orDefaultSlice(autoGen.DNSNames, []string{"localhost", "127.0.0.1"}),
		IPAddresses:  orDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
