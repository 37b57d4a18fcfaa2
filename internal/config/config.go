// Package config holds operator-level configuration for a redact
// installation: where state lives, which transform and key to use, which
// recognizer to call and how the HTTP API is exposed.
//
// Values come from env vars (REDACT_*), an optional redact.config.yaml and
// the defaults below, merged by Viper. Raw key material is accepted here
// only as a quickstart; batch jobs should store their key in the key store
// (internal/keystore) and reference it with key_name.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

// Viper keys. Each maps to an env var with the REDACT_ prefix
// (e.g. "vault_key" → REDACT_VAULT_KEY) and to a YAML field in
// redact.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyVaultKey          = "vault_key"
	KeyTransform         = "transform"
	KeyTransformFile     = "transform_file"
	KeyKey               = "key"
	KeyKeyName           = "key_name"
	KeyKMSKeyName        = "kms_key_name"
	KeyKMSRegion         = "kms_region"
	KeyWrappedKey        = "wrapped_key"
	KeyAlphabet          = "alphabet"
	KeySurrogateType     = "surrogate_type"
	KeyTokenLength       = "token_length"
	KeyMinLikelihood     = "min_likelihood"
	KeyRulesFile         = "rules_file"
	KeyRecognizer        = "recognizer"
	KeyLanguage          = "language"
	KeyRecognizerTimeout = "recognizer_timeout"
	KeyOpenAIBaseURL     = "openai_base_url"
	KeyOpenAIModel       = "openai_model"
	KeyOpenAIAPIKey      = "openai_api_key"
	KeyAWSRegion         = "aws_region"
	KeyListenAddr        = "listen_addr"
	KeyRateLimitRPM      = "rate_limit_rpm"
	KeyAPIKeys           = "api_keys"
	KeyAudit             = "audit"
	KeyAuditKey          = "audit_key"
)

const (
	DefaultTransform         = "hash"
	DefaultRecognizer        = "regex"
	DefaultMinLikelihood     = "POSSIBLE"
	DefaultRecognizerTimeout = 30 * time.Second
	DefaultListenAddr        = "127.0.0.1:8087"
	DefaultRateLimitRPM      = 600
	DefaultOpenAIBaseURL     = "https://api.openai.com"
	DefaultOpenAIModel       = "gpt-4o-mini"
)

// Recognizer names accepted in the recognizer key. Several may be chained
// with "+", e.g. "regex+llm".
const (
	RecognizerRegex      = "regex"
	RecognizerLLM        = "llm"
	RecognizerComprehend = "comprehend"
)

var (
	// ErrInvalidConfig wraps every validation failure from Load.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the resolved configuration of a redact process.
type Config struct {
	DataDir  string // Base directory for all state (~/.redact)
	VaultKey string // AES-256 key sealing the key store (32 bytes or 64 hex)

	Transform     string // hash, deterministic or fpe
	TransformFile string // Optional per-entity transform table (YAML)
	Key           string // Base64 raw key; quickstart only
	KeyName       string // Name of a key in the key store
	KMSKeyName    string // KMS key id/ARN/alias wrapping the FPE key
	KMSRegion     string
	WrappedKey    string // Base64 KMS ciphertext of the FPE key
	Alphabet      string
	SurrogateType string
	TokenLength   int

	MinLikelihood     span.Likelihood
	RulesFile         string
	Recognizers       []string
	Language          language.Tag
	RecognizerTimeout time.Duration

	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIAPIKey  string
	AWSRegion     string

	ListenAddr   string
	RateLimitRPM int
	APIKeys      []string

	Audit    bool   // Record every processed document in the audit log
	AuditKey string // HMAC key signing audit records (32+ bytes or 64+ hex)

	usingDefaultVaultKey bool
	usingDefaultAuditKey bool
}

// UsingDefaultVaultKey reports whether the vault key was derived rather
// than set explicitly.
func (c *Config) UsingDefaultVaultKey() bool {
	return c.usingDefaultVaultKey
}

// KeyStorePath returns the full path to the key store SQLite database.
func (c *Config) KeyStorePath() string {
	return filepath.Join(c.DataDir, "keys.db")
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultVaultKey logs a warning when the vault key is derived.
func (c *Config) WarnIfDefaultVaultKey() {
	if c.usingDefaultVaultKey {
		log.Warn().Msg("Using generated default REDACT_VAULT_KEY, set via env var or config file for production")
	}
}

// WarnIfDefaultAuditKey logs a warning when the audit signing key is
// derived. Records signed with it can be forged by anyone who knows the
// data directory path.
func (c *Config) WarnIfDefaultAuditKey() {
	if c.Audit && c.usingDefaultAuditKey {
		log.Warn().Msg("Using generated default REDACT_AUDIT_KEY, set via env var or config file for production")
	}
}

// TransformKind returns the parsed default transform.
func (c *Config) TransformKind() transform.Kind {
	k, _ := transform.ParseKind(c.Transform)
	return k
}

// TransformConfig assembles the default transform from the flat keys.
// rawKey is the resolved key material (from Key or the key store); it is
// ignored for FPE, which takes a wrapped key.
func (c *Config) TransformConfig(rawKey []byte) transform.Config {
	tc := transform.Config{
		Kind:          c.TransformKind(),
		Alphabet:      c.Alphabet,
		SurrogateType: c.SurrogateType,
		TokenLength:   c.TokenLength,
	}
	if tc.Kind == transform.FormatPreservingEncrypt {
		tc.Wrapped = &transform.WrappedKey{KeyName: c.KMSKeyName, Blob: c.WrappedKey}
		return tc
	}
	tc.Key = rawKey
	return tc
}

// UsesRecognizer reports whether name is part of the recognizer chain.
func (c *Config) UsesRecognizer(name string) bool {
	for _, r := range c.Recognizers {
		if r == name {
			return true
		}
	}
	return false
}

// KMSRegionOrDefault falls back to aws_region when kms_region is unset.
func (c *Config) KMSRegionOrDefault() string {
	if c.KMSRegion != "" {
		return c.KMSRegion
	}
	return c.AWSRegion
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTransform, DefaultTransform)
	v.SetDefault(KeyRecognizer, DefaultRecognizer)
	v.SetDefault(KeyMinLikelihood, DefaultMinLikelihood)
	v.SetDefault(KeyRecognizerTimeout, DefaultRecognizerTimeout)
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyRateLimitRPM, DefaultRateLimitRPM)
	v.SetDefault(KeyOpenAIBaseURL, DefaultOpenAIBaseURL)
	v.SetDefault(KeyOpenAIModel, DefaultOpenAIModel)
	v.SetDefault(KeyAudit, true)
}

func init() {
	viper.SetEnvPrefix("REDACT")
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())
}

// Load reads configuration from the global Viper instance and returns a
// validated Config.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:           resolveDataDir(v),
		VaultKey:          v.GetString(KeyVaultKey),
		Transform:         v.GetString(KeyTransform),
		TransformFile:     v.GetString(KeyTransformFile),
		Key:               v.GetString(KeyKey),
		KeyName:           v.GetString(KeyKeyName),
		KMSKeyName:        v.GetString(KeyKMSKeyName),
		KMSRegion:         v.GetString(KeyKMSRegion),
		WrappedKey:        v.GetString(KeyWrappedKey),
		Alphabet:          v.GetString(KeyAlphabet),
		SurrogateType:     v.GetString(KeySurrogateType),
		TokenLength:       v.GetInt(KeyTokenLength),
		RulesFile:         v.GetString(KeyRulesFile),
		Recognizers:       splitList(v.GetString(KeyRecognizer), "+"),
		RecognizerTimeout: v.GetDuration(KeyRecognizerTimeout),
		OpenAIBaseURL:     v.GetString(KeyOpenAIBaseURL),
		OpenAIModel:       v.GetString(KeyOpenAIModel),
		OpenAIAPIKey:      v.GetString(KeyOpenAIAPIKey),
		AWSRegion:         v.GetString(KeyAWSRegion),
		ListenAddr:        v.GetString(KeyListenAddr),
		RateLimitRPM:      v.GetInt(KeyRateLimitRPM),
		APIKeys:           splitList(v.GetString(KeyAPIKeys), ","),
		Audit:             v.GetBool(KeyAudit),
		AuditKey:          v.GetString(KeyAuditKey),
	}

	var err error
	if cfg.MinLikelihood, err = span.ParseLikelihood(v.GetString(KeyMinLikelihood)); err != nil {
		return nil, fmt.Errorf("%w: min_likelihood: %v", ErrInvalidConfig, err)
	}
	if lang := strings.TrimSpace(v.GetString(KeyLanguage)); lang != "" {
		if cfg.Language, err = language.Parse(lang); err != nil {
			return nil, fmt.Errorf("%w: language %q: %v", ErrInvalidConfig, lang, err)
		}
	}

	if cfg.VaultKey == "" {
		cfg.VaultKey = deriveDefaultKey(cfg.DataDir, "key-store-vault")
		cfg.usingDefaultVaultKey = true
	}
	if cfg.AuditKey == "" {
		cfg.AuditKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultAuditKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".redact"
	}
	return filepath.Join(home, ".redact")
}

// deriveDefaultKey produces a deterministic per-machine fallback key so a
// first run can open the key store without setup. It is not a secret.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("redact:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if err := validateVaultKey(c.VaultKey); err != nil {
		return err
	}
	kind, err := transform.ParseKind(c.Transform)
	if err != nil {
		return err
	}
	if c.Key != "" && c.KeyName != "" {
		return errors.New("key and key_name are mutually exclusive")
	}
	if c.Key != "" {
		if _, err := transform.DecodeKey(c.Key); err != nil {
			return fmt.Errorf("key: %v", err)
		}
	}
	if kind == transform.FormatPreservingEncrypt {
		if c.KMSKeyName == "" || c.WrappedKey == "" {
			return errors.New("fpe transform requires kms_key_name and wrapped_key")
		}
		if c.Key != "" || c.KeyName != "" {
			return errors.New("fpe transform takes a KMS-wrapped key, not key or key_name")
		}
	}
	if c.TokenLength < 0 {
		return errors.New("token_length must not be negative")
	}
	if len(c.Recognizers) == 0 {
		return errors.New("recognizer must name at least one recognizer")
	}
	for _, r := range c.Recognizers {
		switch r {
		case RecognizerRegex, RecognizerLLM, RecognizerComprehend:
		default:
			return fmt.Errorf("unknown recognizer %q (want regex, llm or comprehend)", r)
		}
	}
	if c.UsesRecognizer(RecognizerLLM) && c.OpenAIAPIKey == "" {
		return errors.New("llm recognizer requires openai_api_key")
	}
	if c.UsesRecognizer(RecognizerComprehend) && c.AWSRegion == "" {
		return errors.New("comprehend recognizer requires aws_region")
	}
	if len(c.AuditKey) < 32 {
		return errors.New("audit_key must be at least 32 bytes")
	}
	if c.RateLimitRPM < 0 {
		return errors.New("rate_limit_rpm must not be negative")
	}
	return nil
}

// validateVaultKey accepts either 32 raw bytes or 64 hex characters.
func validateVaultKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 {
		if _, err := hex.DecodeString(key); err == nil {
			return nil
		}
	}
	return fmt.Errorf("vault_key must be exactly 32 bytes or 64 hex characters (got %d); set REDACT_VAULT_KEY", n)
}
