package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/swcache/classify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const exampleConfig = `
cacheName: crag-v4
origin: https://club.example
timeout: 5s
manifest:
  - /
  - /static/app.css
classify:
  geocodingHost: geocode.example
  photoCdnHost: photos.example
  appRoutes: [/gyms, /crew]
  rules:
    - prefix: /downloads/
      kind: static
install:
  attempts: 5
  delay: 250ms
push:
  defaults:
    title: Crag news
headers:
  - prefix: /api/
    override: no-store
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "swcache.yml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestGetConfig(t *testing.T) {
	config, err := getConfig(writeConfig(t, exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "crag-v4", config.CacheName)
	assert.Equal(t, 5*time.Second, config.Timeout.Std())
	assert.Equal(t, []string{"/", "/static/app.css"}, config.Manifest)
	assert.Equal(t, uint(5), config.Install.Attempts)
	assert.Equal(t, 250*time.Millisecond, config.Install.Delay.Std())
	require.Len(t, config.Headers, 1)
	assert.Equal(t, "no-store", config.Headers[0].Override)

	classifier := config.Classify.Classifier()
	assert.Equal(t, "photos.example", classifier.PhotoCDNHost)
	assert.Equal(t, []classify.Rule{{Prefix: "/downloads/", Kind: classify.Static}}, classifier.Rules)
}

func TestGetConfigKeepsDefaults(t *testing.T) {
	config, err := getConfig(writeConfig(t, exampleConfig))
	require.NoError(t, err)

	// not in the file
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "cache.db", config.DB)
	// push defaults are merged field by field
	assert.Equal(t, "Crag news", config.Push.Defaults.Title)
	assert.Equal(t, "/", config.Push.Defaults.Data.URL)
}

func TestGetConfigMissingFile(t *testing.T) {
	_, err := getConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDuration(t *testing.T) {
	for value, expected := range map[string]time.Duration{
		"30s":        30 * time.Second,
		"1m30s":      90 * time.Second,
		"1000000000": time.Second,
	} {
		var d Duration
		require.NoError(t, yaml.Unmarshal([]byte(value), &d), value)
		assert.Equal(t, expected, d.Std(), value)
	}

	var d Duration
	assert.Error(t, yaml.Unmarshal([]byte("soon"), &d))

	out, err := yaml.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "5s\n", string(out))
}
