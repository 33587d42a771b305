package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPriceCatalog(t *testing.T) {
	t.Setenv("VIDEO_PRICE", "40")
	path := writeCatalog(t, `
default_credits: 5
models:
  Image-Basic: 4
  video-hd: ${VIDEO_PRICE}
`)

	c, err := LoadPriceCatalog(path, 99)
	require.NoError(t, err)

	p, ok := c.Price("image-basic")
	assert.True(t, ok)
	assert.Equal(t, int64(4), p)

	p, ok = c.Price("  VIDEO-HD ")
	assert.True(t, ok)
	assert.Equal(t, int64(40), p)

	p, ok = c.Price("unknown")
	assert.True(t, ok)
	assert.Equal(t, int64(5), p)
}

func TestLoadPriceCatalog_DefaultFallbackAndErrors(t *testing.T) {
	c, err := LoadPriceCatalog(writeCatalog(t, "models:\n  a: 1\n"), 7)
	require.NoError(t, err)
	p, _ := c.Price("zzz")
	assert.Equal(t, int64(7), p)

	_, err = LoadPriceCatalog(writeCatalog(t, "models:\n  a: 0\n"), 7)
	assert.Error(t, err)

	_, err = LoadPriceCatalog(writeCatalog(t, "models: [oops"), 7)
	assert.Error(t, err)

	_, err = LoadPriceCatalog(filepath.Join(t.TempDir(), "missing.yaml"), 7)
	assert.Error(t, err)
}

func TestPriceCatalog_NoDefaultMeansUnsupported(t *testing.T) {
	c := NewPriceCatalog(0, map[string]int64{"m": 2})
	_, ok := c.Price("other")
	assert.False(t, ok)

	var nilCatalog *PriceCatalog
	_, ok = nilCatalog.Price("m")
	assert.False(t, ok)
}
