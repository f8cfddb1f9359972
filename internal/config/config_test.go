package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.PDFMaxPages)
	assert.Equal(t, 50, cfg.PDFMinTextLength)
	assert.Equal(t, []string{"123456", "0000"}, cfg.PDFDefaultPasswords)
	assert.InDelta(t, 0.15, cfg.HeaderBandFraction, 1e-9)
	assert.Equal(t, "por", cfg.OCRLanguage)
	assert.InDelta(t, 25, cfg.MatchOriginBonus, 1e-9)
	assert.InDelta(t, 20, cfg.MatchDescriptionBonus, 1e-9)
	assert.Equal(t, 5, cfg.MatchMaxResults)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	blob := []byte("pdfMaxPages: 5\nmatchOriginBonus: 30\nocrLanguage: eng\n")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OCR_LANG", "por+eng")
	t.Setenv("PDF_DEFAULT_PASSWORDS", " 1111 ,, 2222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.PDFMaxPages)
	assert.InDelta(t, 30, cfg.MatchOriginBonus, 1e-9)
	assert.Equal(t, "por+eng", cfg.OCRLanguage)
	assert.Equal(t, []string{"1111", "2222"}, cfg.PDFDefaultPasswords)
	assert.Equal(t, 50, cfg.PDFMinTextLength)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pdfMaxPages: [oops"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("X_FLAG", "on")
	assert.True(t, getEnvBool("X_FLAG", false))
	t.Setenv("X_FLAG", "off")
	assert.False(t, getEnvBool("X_FLAG", true))
	t.Setenv("X_FLAG", "maybe")
	assert.True(t, getEnvBool("X_FLAG", true))
}

func TestRequire(t *testing.T) {
	var cfg Config
	require.EqualError(t, cfg.Require("CATALOG_API_SECRET", "  "), "missing required env var: CATALOG_API_SECRET")
	require.NoError(t, cfg.Require("CATALOG_API_SECRET", "s3cret"))
}
