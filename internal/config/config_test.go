package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("REDACT_DATA_DIR", t.TempDir())
	v := viper.New()
	v.SetEnvPrefix("REDACT")
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultTransform, cfg.Transform)
	assert.Equal(t, transform.Hash, cfg.TransformKind())
	assert.Equal(t, []string{RecognizerRegex}, cfg.Recognizers)
	assert.Equal(t, span.Possible, cfg.MinLikelihood)
	assert.Equal(t, DefaultRecognizerTimeout, cfg.RecognizerTimeout)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, language.Und, cfg.Language)
	assert.True(t, cfg.UsingDefaultVaultKey())
	assert.Len(t, cfg.VaultKey, 64)
	assert.Equal(t, filepath.Join(cfg.DataDir, "keys.db"), cfg.KeyStorePath())
	assert.True(t, cfg.Audit)
	assert.Len(t, cfg.AuditKey, 64)
	assert.NotEqual(t, cfg.VaultKey, cfg.AuditKey)
	assert.Equal(t, filepath.Join(cfg.DataDir, "audit.db"), cfg.AuditDBPath())
}

func TestLoad_FromEnv(t *testing.T) {
	v := newViper(t)
	t.Setenv("REDACT_VAULT_KEY", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("REDACT_TRANSFORM", "deterministic")
	t.Setenv("REDACT_KEY", testKey())
	t.Setenv("REDACT_SURROGATE_TYPE", "PII")
	t.Setenv("REDACT_MIN_LIKELIHOOD", "likely")
	t.Setenv("REDACT_LANGUAGE", "de-CH")
	t.Setenv("REDACT_RECOGNIZER", "regex+llm")
	t.Setenv("REDACT_OPENAI_API_KEY", "sk-test")
	t.Setenv("REDACT_RECOGNIZER_TIMEOUT", "5s")
	t.Setenv("REDACT_API_KEYS", "a, b,,c")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.False(t, cfg.UsingDefaultVaultKey())
	assert.Equal(t, transform.DeterministicEncrypt, cfg.TransformKind())
	assert.Equal(t, span.Likely, cfg.MinLikelihood)
	assert.Equal(t, language.MustParse("de-CH"), cfg.Language)
	assert.Equal(t, []string{"regex", "llm"}, cfg.Recognizers)
	assert.True(t, cfg.UsesRecognizer(RecognizerLLM))
	assert.False(t, cfg.UsesRecognizer(RecognizerComprehend))
	assert.Equal(t, 5*time.Second, cfg.RecognizerTimeout)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.APIKeys)

	tc := cfg.TransformConfig([]byte("raw"))
	assert.Equal(t, transform.DeterministicEncrypt, tc.Kind)
	assert.Equal(t, "PII", tc.SurrogateType)
	assert.Equal(t, []byte("raw"), tc.Key)
	assert.Nil(t, tc.Wrapped)
}

func TestLoad_FPEConfig(t *testing.T) {
	v := newViper(t)
	t.Setenv("REDACT_TRANSFORM", "fpe")
	t.Setenv("REDACT_KMS_KEY_NAME", "alias/redact")
	t.Setenv("REDACT_WRAPPED_KEY", "AQID")
	t.Setenv("REDACT_ALPHABET", "numeric")
	t.Setenv("REDACT_AWS_REGION", "eu-central-1")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.KMSRegionOrDefault())

	tc := cfg.TransformConfig([]byte("ignored"))
	assert.Equal(t, transform.FormatPreservingEncrypt, tc.Kind)
	assert.Nil(t, tc.Key)
	require.NotNil(t, tc.Wrapped)
	assert.Equal(t, "alias/redact", tc.Wrapped.KeyName)
	assert.Equal(t, "AQID", tc.Wrapped.Blob)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"short vault key", map[string]string{"REDACT_VAULT_KEY": "too-short"}, "vault_key must be exactly 32 bytes"},
		{"unknown transform", map[string]string{"REDACT_TRANSFORM": "rot13"}, "unknown transform kind"},
		{"bad key", map[string]string{"REDACT_KEY": "c2hvcnQ="}, "key"},
		{"key and key name", map[string]string{"REDACT_KEY": testKey(), "REDACT_KEY_NAME": "batch"}, "mutually exclusive"},
		{"fpe without wrapped key", map[string]string{"REDACT_TRANSFORM": "fpe"}, "kms_key_name and wrapped_key"},
		{"fpe with raw key", map[string]string{"REDACT_TRANSFORM": "fpe", "REDACT_KMS_KEY_NAME": "k", "REDACT_WRAPPED_KEY": "AQID", "REDACT_KEY_NAME": "x"}, "not key or key_name"},
		{"unknown recognizer", map[string]string{"REDACT_RECOGNIZER": "regex+spacy"}, "unknown recognizer"},
		{"llm without api key", map[string]string{"REDACT_RECOGNIZER": "llm"}, "openai_api_key"},
		{"comprehend without region", map[string]string{"REDACT_RECOGNIZER": "comprehend"}, "aws_region"},
		{"bad likelihood", map[string]string{"REDACT_MIN_LIKELIHOOD": "sure"}, "min_likelihood"},
		{"bad language", map[string]string{"REDACT_LANGUAGE": "not a tag!"}, "language"},
		{"negative rate", map[string]string{"REDACT_RATE_LIMIT_RPM": "-1"}, "rate_limit_rpm"},
		{"short audit key", map[string]string{"REDACT_AUDIT_KEY": "short"}, "audit_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	v := newViper(t)
	path := filepath.Join(t.TempDir(), "redact.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transform: deterministic\ntoken_length: 12\nrate_limit_rpm: 60\n"), 0o600))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "deterministic", cfg.Transform)
	assert.Equal(t, 12, cfg.TokenLength)
	assert.Equal(t, 60, cfg.RateLimitRPM)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	cfg := &Config{DataDir: dir}
	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDeriveDefaultKey_PerDataDir(t *testing.T) {
	a := deriveDefaultKey("/a", "key-store-vault")
	assert.Equal(t, a, deriveDefaultKey("/a", "key-store-vault"))
	assert.NotEqual(t, a, deriveDefaultKey("/b", "key-store-vault"))
	assert.NoError(t, validateVaultKey(a))
}
