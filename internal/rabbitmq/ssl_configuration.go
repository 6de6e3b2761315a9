package rabbitmq

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SSLValidationStrategy selects how the broker certificate chain is trusted.
type SSLValidationStrategy string

const (
	// SSLValidationDefault trusts the system certificate pool.
	SSLValidationDefault SSLValidationStrategy = "default"
	// SSLValidationOverride trusts only the certificates of a trust store.
	SSLValidationOverride SSLValidationStrategy = "override"
	// SSLValidationIgnore skips certificate validation entirely.
	SSLValidationIgnore SSLValidationStrategy = "ignore"
)

// ParseSSLValidationStrategy maps a configuration value to a strategy.
func ParseSSLValidationStrategy(name string) (SSLValidationStrategy, error) {
	switch SSLValidationStrategy(strings.ToLower(strings.TrimSpace(name))) {
	case SSLValidationDefault:
		return SSLValidationDefault, nil
	case SSLValidationOverride:
		return SSLValidationOverride, nil
	case SSLValidationIgnore:
		return SSLValidationIgnore, nil
	}
	return "", fmt.Errorf("%w: '%s' is not a valid name, expected one of [default, override, ignore]", ErrUnknownSSLStrategy, name)
}

// HostNameVerifier selects how the broker host name is checked.
type HostNameVerifier string

const (
	HostNameVerifierDefault   HostNameVerifier = "default"
	HostNameVerifierAcceptAny HostNameVerifier = "accept_any_hostname"
)

// ParseHostNameVerifier maps a configuration value to a verifier.
func ParseHostNameVerifier(name string) (HostNameVerifier, error) {
	switch HostNameVerifier(strings.ToLower(strings.TrimSpace(name))) {
	case HostNameVerifierDefault:
		return HostNameVerifierDefault, nil
	case HostNameVerifierAcceptAny:
		return HostNameVerifierAcceptAny, nil
	}
	return "", fmt.Errorf("%w: '%s' is not a valid name, expected one of [default, accept_any_hostname]", ErrUnknownHostNameVerifier, name)
}

// SSLStore points at a PKCS#12 or PEM file and the password protecting it.
type SSLStore struct {
	File     string
	Password []byte
}

// Equal compares stores by value.
func (s SSLStore) Equal(other SSLStore) bool {
	return s.File == other.File && bytes.Equal(s.Password, other.Password)
}

func (s SSLStore) String() string {
	return fmt.Sprintf("SSLStore{file=%s, password=***}", s.File)
}

// SSLTrustStore holds the certificates trusted under SSLValidationOverride.
type SSLTrustStore struct{ SSLStore }

// SSLKeyStore holds the client certificate and private key.
type SSLKeyStore struct{ SSLStore }

// NewSSLTrustStore checks that the file exists; its content is only read
// when a ConnectionFactory is built.
func NewSSLTrustStore(path string, password []byte) (SSLTrustStore, error) {
	store, err := newSSLStore("trust store", path, password)
	return SSLTrustStore{store}, err
}

// NewSSLKeyStore checks that the file exists; its content is only read
// when a ConnectionFactory is built.
func NewSSLKeyStore(path string, password []byte) (SSLKeyStore, error) {
	store, err := newSSLStore("key store", path, password)
	return SSLKeyStore{store}, err
}

func newSSLStore(kind, path string, password []byte) (SSLStore, error) {
	if path == "" {
		return SSLStore{}, fmt.Errorf("%w: %s file path is required", ErrInvalidStore, kind)
	}
	if password == nil {
		return SSLStore{}, fmt.Errorf("%w: %s password is required", ErrInvalidStore, kind)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SSLStore{}, fmt.Errorf("%w: %s file %s does not exist", ErrInvalidStore, kind, path)
		}
		return SSLStore{}, fmt.Errorf("%w: %s file %s: %v", ErrInvalidStore, kind, path, err)
	}
	return SSLStore{File: path, Password: bytes.Clone(password)}, nil
}

// SSLConfiguration describes the TLS material used when SSL is enabled.
type SSLConfiguration struct {
	strategy         SSLValidationStrategy
	trustStore       *SSLTrustStore
	hostNameVerifier HostNameVerifier
	keyStore         *SSLKeyStore
}

// DefaultSSLConfiguration trusts system roots and verifies host names.
func DefaultSSLConfiguration() SSLConfiguration {
	return SSLConfiguration{
		strategy:         SSLValidationDefault,
		hostNameVerifier: HostNameVerifierDefault,
	}
}

func (s SSLConfiguration) Strategy() SSLValidationStrategy { return s.strategy }
func (s SSLConfiguration) HostNameVerifier() HostNameVerifier { return s.hostNameVerifier }

// TrustStore is only present for SSLValidationOverride.
func (s SSLConfiguration) TrustStore() (SSLTrustStore, bool) {
	if s.trustStore == nil {
		return SSLTrustStore{}, false
	}
	return *s.trustStore, true
}

// KeyStore returns the client key material, if any.
func (s SSLConfiguration) KeyStore() (SSLKeyStore, bool) {
	if s.keyStore == nil {
		return SSLKeyStore{}, false
	}
	return *s.keyStore, true
}

// Equal compares every field by value.
func (s SSLConfiguration) Equal(other SSLConfiguration) bool {
	if s.strategy != other.strategy || s.hostNameVerifier != other.hostNameVerifier {
		return false
	}
	if (s.trustStore == nil) != (other.trustStore == nil) || (s.keyStore == nil) != (other.keyStore == nil) {
		return false
	}
	if s.trustStore != nil && !s.trustStore.Equal(other.trustStore.SSLStore) {
		return false
	}
	if s.keyStore != nil && !s.keyStore.Equal(other.keyStore.SSLStore) {
		return false
	}
	return true
}

// SSLConfigurationBuilder assembles an SSLConfiguration.
type SSLConfigurationBuilder struct {
	config SSLConfiguration
}

// NewSSLConfigurationBuilder starts from DefaultSSLConfiguration.
func NewSSLConfigurationBuilder() *SSLConfigurationBuilder {
	return &SSLConfigurationBuilder{config: DefaultSSLConfiguration()}
}

func (b *SSLConfigurationBuilder) DefaultStrategy() *SSLConfigurationBuilder {
	b.config.strategy = SSLValidationDefault
	b.config.trustStore = nil
	return b
}

func (b *SSLConfigurationBuilder) StrategyOverride(trustStore SSLTrustStore) *SSLConfigurationBuilder {
	b.config.strategy = SSLValidationOverride
	b.config.trustStore = &trustStore
	return b
}

func (b *SSLConfigurationBuilder) StrategyIgnore() *SSLConfigurationBuilder {
	b.config.strategy = SSLValidationIgnore
	b.config.trustStore = nil
	return b
}

func (b *SSLConfigurationBuilder) DefaultHostNameVerifier() *SSLConfigurationBuilder {
	b.config.hostNameVerifier = HostNameVerifierDefault
	return b
}

func (b *SSLConfigurationBuilder) AcceptAnyHostNameVerifier() *SSLConfigurationBuilder {
	b.config.hostNameVerifier = HostNameVerifierAcceptAny
	return b
}

func (b *SSLConfigurationBuilder) KeyStore(keyStore SSLKeyStore) *SSLConfigurationBuilder {
	b.config.keyStore = &keyStore
	return b
}

// Build returns the assembled configuration.
func (b *SSLConfigurationBuilder) Build() SSLConfiguration {
	return b.config
}
