// Package config loads and validates the Gafaelfawr configuration.
//
// Configuration comes from a single YAML file (path taken from the
// GAFAELFAWR_SETTINGS_PATH environment variable unless overridden) and
// is materialized into one typed Config record at startup. Secrets are
// referenced by file path in the YAML and read during Load; nothing
// re-reads configuration at runtime.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// DefaultSettingsPath is used when GAFAELFAWR_SETTINGS_PATH is not set.
const DefaultSettingsPath = "/etc/gafaelfawr/gafaelfawr.yaml"

// SettingsPathEnv names the environment variable holding the settings path.
const SettingsPathEnv = "GAFAELFAWR_SETTINGS_PATH"

// Config is the complete typed configuration for one deployment.
type Config struct {
	// Realm is the authentication realm used in WWW-Authenticate challenges.
	Realm string

	// SessionSecret is the 256-bit key for cookie and cache encryption.
	SessionSecret []byte

	// SessionLifetime bounds session tokens and the session cookie.
	SessionLifetime time.Duration

	// DatabaseURL locates the SQL store.
	DatabaseURL string

	// RedisURL locates the token cache.
	RedisURL string

	// AfterLogoutURL is where /logout sends the browser when the request
	// carries no rd parameter.
	AfterLogoutURL string

	// Proxies lists the CIDR blocks of trusted load balancers, used to
	// trim X-Forwarded-For down to the true client IP.
	Proxies []*net.IPNet

	// InitialAdmins seeds the admin table on first startup.
	InitialAdmins []string

	// BootstrapToken, if set, is accepted on the token and admin routes
	// as a super-admin credential.
	BootstrapToken string

	// KnownScopes maps every recognized scope to its description.
	KnownScopes map[string]string

	// GroupMapping maps a scope to the groups that grant it.
	GroupMapping map[string][]string

	// ProviderTimeout bounds each upstream provider HTTP call.
	ProviderTimeout time.Duration

	Issuer IssuerConfig
	GitHub *GitHubConfig
	OIDC   *OIDCConfig
}

// IssuerConfig configures internal JWT issuance.
type IssuerConfig struct {
	Issuer      string
	Audience    string
	AudInternal string
	KeyID       string
	Key         *rsa.PrivateKey
	Lifetime    time.Duration
}

// GitHubConfig configures the GitHub OAuth 2.0 login provider.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
}

// OIDCConfig configures a generic OpenID Connect login provider.
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	LoginURL     string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	Issuer       string
	Audience     string
	LoginParams  map[string]string
}

// settings mirrors the YAML file layout for viper unmarshalling.
type settings struct {
	Realm             string              `mapstructure:"realm"`
	SessionSecretFile string              `mapstructure:"session_secret_file"`
	SessionLifetime   int                 `mapstructure:"session_lifetime_minutes"`
	DatabaseURL       string              `mapstructure:"database_url"`
	RedisURL          string              `mapstructure:"redis_url"`
	AfterLogoutURL    string              `mapstructure:"after_logout_url"`
	Proxies           []string            `mapstructure:"proxies"`
	InitialAdmins     []string            `mapstructure:"initial_admins"`
	BootstrapToken    string              `mapstructure:"bootstrap_token"`
	KnownScopes       map[string]string   `mapstructure:"known_scopes"`
	GroupMapping      map[string][]string `mapstructure:"group_mapping"`
	ProviderTimeout   int                 `mapstructure:"provider_timeout_seconds"`

	Issuer struct {
		Iss string `mapstructure:"iss"`
		Aud struct {
			Default  string `mapstructure:"default"`
			Internal string `mapstructure:"internal"`
		} `mapstructure:"aud"`
		KeyID      string `mapstructure:"key_id"`
		KeyFile    string `mapstructure:"key_file"`
		ExpMinutes int    `mapstructure:"exp_minutes"`
	} `mapstructure:"issuer"`

	GitHub *struct {
		ClientID         string `mapstructure:"client_id"`
		ClientSecretFile string `mapstructure:"client_secret_file"`
	} `mapstructure:"github"`

	OIDC *struct {
		ClientID         string            `mapstructure:"client_id"`
		ClientSecretFile string            `mapstructure:"client_secret_file"`
		LoginURL         string            `mapstructure:"login_url"`
		TokenURL         string            `mapstructure:"token_url"`
		RedirectURL      string            `mapstructure:"redirect_url"`
		Scopes           []string          `mapstructure:"scopes"`
		Issuer           string            `mapstructure:"issuer"`
		Audience         string            `mapstructure:"audience"`
		LoginParams      map[string]string `mapstructure:"login_params"`
	} `mapstructure:"oidc"`
}

// Load reads the configuration file at path. An empty path falls back
// to GAFAELFAWR_SETTINGS_PATH and then to the default location.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(SettingsPathEnv)
	}
	if path == "" {
		path = DefaultSettingsPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("session_lifetime_minutes", 24*60)
	v.SetDefault("provider_timeout_seconds", 10)
	v.SetDefault("issuer.exp_minutes", 15)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("reading %s", path), err)
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.NewConfigError("unmarshalling settings", err)
	}
	return fromSettings(&s)
}

func fromSettings(s *settings) (*Config, error) {
	cfg := &Config{
		Realm:           s.Realm,
		SessionLifetime: time.Duration(s.SessionLifetime) * time.Minute,
		DatabaseURL:     s.DatabaseURL,
		RedisURL:        s.RedisURL,
		AfterLogoutURL:  s.AfterLogoutURL,
		InitialAdmins:   s.InitialAdmins,
		BootstrapToken:  s.BootstrapToken,
		KnownScopes:     s.KnownScopes,
		GroupMapping:    s.GroupMapping,
		ProviderTimeout: time.Duration(s.ProviderTimeout) * time.Second,
	}

	secret, err := readSecretFile(s.SessionSecretFile)
	if err != nil {
		return nil, errors.NewConfigError("reading session secret", err)
	}
	key, err := decodeSessionSecret(secret)
	if err != nil {
		return nil, errors.NewConfigError("decoding session secret", err)
	}
	cfg.SessionSecret = key

	for _, cidr := range s.Proxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("invalid proxy CIDR %q", cidr), err)
		}
		cfg.Proxies = append(cfg.Proxies, network)
	}

	cfg.Issuer = IssuerConfig{
		Issuer:      s.Issuer.Iss,
		Audience:    s.Issuer.Aud.Default,
		AudInternal: s.Issuer.Aud.Internal,
		KeyID:       s.Issuer.KeyID,
		Lifetime:    time.Duration(s.Issuer.ExpMinutes) * time.Minute,
	}
	if s.Issuer.KeyFile != "" {
		pemData, err := os.ReadFile(s.Issuer.KeyFile)
		if err != nil {
			return nil, errors.NewConfigError("reading issuer key", err)
		}
		issuerKey, err := ParseRSAPrivateKey(pemData)
		if err != nil {
			return nil, errors.NewConfigError("parsing issuer key", err)
		}
		cfg.Issuer.Key = issuerKey
	}

	if s.GitHub != nil {
		clientSecret, err := readSecretFile(s.GitHub.ClientSecretFile)
		if err != nil {
			return nil, errors.NewConfigError("reading github client secret", err)
		}
		cfg.GitHub = &GitHubConfig{
			ClientID:     s.GitHub.ClientID,
			ClientSecret: clientSecret,
		}
	}
	if s.OIDC != nil {
		clientSecret, err := readSecretFile(s.OIDC.ClientSecretFile)
		if err != nil {
			return nil, errors.NewConfigError("reading oidc client secret", err)
		}
		cfg.OIDC = &OIDCConfig{
			ClientID:     s.OIDC.ClientID,
			ClientSecret: clientSecret,
			LoginURL:     s.OIDC.LoginURL,
			TokenURL:     s.OIDC.TokenURL,
			RedirectURL:  s.OIDC.RedirectURL,
			Scopes:       s.OIDC.Scopes,
			Issuer:       s.OIDC.Issuer,
			Audience:     s.OIDC.Audience,
			LoginParams:  s.OIDC.LoginParams,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if len(c.SessionSecret) != crypto.KeySize {
		return errors.NewConfigError("session secret must be 256 bits", nil)
	}
	if c.DatabaseURL == "" {
		return errors.NewConfigError("database_url is required", nil)
	}
	if c.RedisURL == "" {
		return errors.NewConfigError("redis_url is required", nil)
	}
	if c.GitHub != nil && c.OIDC != nil {
		return errors.NewConfigError("github and oidc configuration are mutually exclusive", nil)
	}
	if c.GitHub == nil && c.OIDC == nil {
		return errors.NewConfigError("one of github or oidc configuration is required", nil)
	}
	for scope := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok {
			return errors.NewConfigError(fmt.Sprintf("group_mapping scope %q is not in known_scopes", scope), nil)
		}
	}
	return nil
}

// ParseRSAPrivateKey parses a PEM-encoded RSA private key in either
// PKCS#1 or PKCS#8 form.
func ParseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not RSA", parsed)
	}
	return key, nil
}

func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// decodeSessionSecret accepts either a base64url-encoded 32-byte key or
// the raw 32 bytes.
func decodeSessionSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is empty")
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(secret); err == nil && len(decoded) == crypto.KeySize {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(secret); err == nil && len(decoded) == crypto.KeySize {
		return decoded, nil
	}
	if len(secret) == crypto.KeySize {
		return []byte(secret), nil
	}
	return nil, fmt.Errorf("session secret must decode to %d bytes", crypto.KeySize)
}
