// Package tlsconfig builds *tls.Config values for the Agent/Manager
// protocol listener and dialer from the tls_* keys described in spec.md
// §6: certificate + optional password-protected key, an optional CA
// bundle (file, directory, or inline PEM), a verify mode, and a hostname
// check toggle.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redpepper-go/fleet/internal/config"
)

// loadKeyPair reads the cert/key pair, decrypting the key with password
// first if its PEM block carries encryption headers.
func loadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read cert file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key file: %w", err)
	}

	if password != "" {
		block, rest := pem.Decode(keyPEM)
		if block == nil {
			return tls.Certificate{}, fmt.Errorf("no PEM block found in key file")
		}
		//lint:ignore SA1019 x509.IsEncryptedPEMBlock/DecryptPEMBlock are the
		// only stdlib support for password-protected PEM keys.
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
			der, decErr := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
			if decErr != nil {
				return tls.Certificate{}, fmt.Errorf("decrypt key file: %w", decErr)
			}
			decoded := pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
			keyPEM = append(decoded, rest...)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse key pair: %w", err)
	}
	return cert, nil
}

// loadCAPool builds a cert pool from whichever of tls_ca_file/tls_ca_path/
// tls_ca_data is set, falling back to the system pool when none are.
func loadCAPool(cfg *config.Config) (*x509.CertPool, error) {
	if cfg.TLSCAData == "" && cfg.TLSCAFile == "" && cfg.TLSCAPath == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()

	if cfg.TLSCAData != "" {
		if !pool.AppendCertsFromPEM([]byte(cfg.TLSCAData)) {
			return nil, fmt.Errorf("no valid certificates found in tls_ca_data")
		}
	}
	if cfg.TLSCAFile != "" {
		data, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls_ca_file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no valid certificates found in %s", cfg.TLSCAFile)
		}
	}
	if cfg.TLSCAPath != "" {
		entries, err := os.ReadDir(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read tls_ca_path: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(cfg.TLSCAPath, e.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(data)
		}
	}
	return pool, nil
}

func clientAuthType(mode config.TLSVerifyMode) tls.ClientAuthType {
	switch mode {
	case config.TLSVerifyRequired:
		return tls.RequireAndVerifyClientCert
	case config.TLSVerifyOptional:
		return tls.VerifyClientCertIfGiven
	default:
		return tls.NoClientCert
	}
}

// BuildServerConfig builds the Manager's listener-side TLS config.
func BuildServerConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := loadKeyPair(cfg.TLSCertFilePath(), cfg.TLSKeyFilePath(), cfg.TLSKeyPassword)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAPool(cfg)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   clientAuthType(cfg.TLSVerifyMode),
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// BuildClientConfig builds the Agent's dial-side TLS config.
func BuildClientConfig(cfg *config.Config, serverName string) (*tls.Config, error) {
	cert, err := loadKeyPair(cfg.TLSCertFilePath(), cfg.TLSKeyFilePath(), cfg.TLSKeyPassword)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAPool(cfg)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.TLSVerifyMode == config.TLSVerifyNone || !cfg.TLSCheckHostname,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
