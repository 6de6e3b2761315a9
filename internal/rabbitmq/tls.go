package rabbitmq

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pkcs12"
)

var pemPrefix = []byte("-----BEGIN")

// NewTLSConfig assembles the client TLS settings for one broker host. The
// management client shares it so both endpoints trust the same stores.
func NewTLSConfig(serverName string, ssl SSLConfiguration) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	switch ssl.Strategy() {
	case SSLValidationDefault:
	case SSLValidationOverride:
		store, ok := ssl.TrustStore()
		if !ok {
			return nil, &FactoryError{Op: "load trust store", Err: fmt.Errorf("%w: override strategy requires a trust store", ErrInvalidStore)}
		}
		roots, err := loadTrustStore(store)
		if err != nil {
			return nil, &FactoryError{Op: "load trust store", Err: err}
		}
		cfg.RootCAs = roots
	case SSLValidationIgnore:
		cfg.InsecureSkipVerify = true
	default:
		return nil, &FactoryError{Op: "configure TLS", Err: fmt.Errorf("%w: %q", ErrUnknownSSLStrategy, ssl.Strategy())}
	}

	if ssl.HostNameVerifier() == HostNameVerifierAcceptAny && !cfg.InsecureSkipVerify {
		// crypto/tls cannot verify the chain without the name, so the
		// built-in check is disabled and the chain is verified here.
		roots := cfg.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(state tls.ConnectionState) error {
			return verifyChain(state.PeerCertificates, roots)
		}
	}

	if store, ok := ssl.KeyStore(); ok {
		cert, err := loadKeyStore(store)
		if err != nil {
			return nil, &FactoryError{Op: "load key store", Err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func verifyChain(peers []*x509.Certificate, roots *x509.CertPool) error {
	if len(peers) == 0 {
		return errors.New("tls: broker presented no certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range peers[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := peers[0].Verify(opts)
	return err
}

func readStore(store SSLStore) ([]byte, error) {
	data, err := os.ReadFile(store.File)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s: empty store: %w", store.File, io.ErrUnexpectedEOF)
	}
	return data, nil
}

// storeBlocks returns the PEM blocks of a store, decoding PKCS#12 when the
// file is not already PEM.
func storeBlocks(store SSLStore) ([]*pem.Block, error) {
	data, err := readStore(store)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), pemPrefix) {
		var blocks []*pem.Block
		for rest := data; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
		if len(blocks) == 0 {
			return nil, fmt.Errorf("%s: no PEM blocks: %w", store.File, io.ErrUnexpectedEOF)
		}
		return blocks, nil
	}
	blocks, err := pkcs12.ToPEM(data, string(store.Password))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", store.File, err)
	}
	return blocks, nil
}

func loadTrustStore(store SSLTrustStore) (*x509.CertPool, error) {
	blocks, err := storeBlocks(store.SSLStore)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	count := 0
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", store.File, err)
		}
		pool.AddCert(cert)
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s contains no certificate", ErrInvalidStore, store.File)
	}
	return pool, nil
}

func loadKeyStore(store SSLKeyStore) (tls.Certificate, error) {
	blocks, err := storeBlocks(store.SSLStore)
	if err != nil {
		return tls.Certificate{}, err
	}
	var certPEM, keyPEM []byte
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			keyPEM = append(keyPEM, pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes})...)
		}
	}
	if certPEM == nil || keyPEM == nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s must hold a certificate and a private key", ErrInvalidStore, store.File)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%s: %w", store.File, err)
	}
	return cert, nil
}
