package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/bucketz/internal/payload"
)

const bundleV1 = `{"features": [{"id": "banner", "environments": {"production": {"enabled": true, "definition": {"defaultValue": false}}}}]}`

const bundleV2 = `{"features": [{"id": "banner", "environments": {"production": {"enabled": true, "definition": {"defaultValue": true}}}}]}`

const bundleYAML = `
features:
  - id: banner
    environments:
      production:
        enabled: true
        definition:
          defaultValue: true
`

func waitForSignal(t *testing.T, signals <-chan struct{}) {
	t.Helper()

	select {
	case _, ok := <-signals:
		require.True(t, ok, "signal channel closed")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestFileSourceLoad(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "definitions.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(bundleV1), 0o644))

	bundle, revision, err := NewFileSource(jsonPath).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, bundle.Features, 1)
	assert.Equal(t, payload.Digest([]byte(bundleV1)), revision)

	yamlPath := filepath.Join(dir, "definitions.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(bundleYAML), 0o644))

	bundle, _, err = NewFileSource(yamlPath).Load(context.Background())
	require.NoError(t, err)
	def, ok := bundle.Features[0].Definition("production", false)
	require.True(t, ok)
	assert.True(t, def.DefaultValue.BoolValue())
}

func TestFileSourceLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := NewFileSource(filepath.Join(dir, "missing.json")).Load(context.Background())
	assert.True(t, errors.Is(err, ErrNoPayload), "err = %v", err)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"features": [`), 0o644))
	_, _, err = NewFileSource(badPath).Load(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoPayload))
}

func TestFileSourceSubscribe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.json")
	require.NoError(t, os.WriteFile(path, []byte(bundleV1), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewFileSource(path, WithDebounce(20*time.Millisecond))
	signals, err := source.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(bundleV2), 0o644))
	waitForSignal(t, signals)

	bundle, revision, err := source.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload.Digest([]byte(bundleV2)), revision)
	def, _ := bundle.Features[0].Definition("production", false)
	assert.True(t, def.DefaultValue.BoolValue())

	cancel()
	select {
	case _, ok := <-signals:
		for ok {
			_, ok = <-signals
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signal channel not closed after cancel")
	}
}

func TestFileSourceSubscribeSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.json")
	require.NoError(t, os.WriteFile(path, []byte(bundleV1), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := NewFileSource(path, WithDebounce(20*time.Millisecond)).Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(bundleV1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("noise"), 0o644))

	select {
	case <-signals:
		t.Fatal("received signal for unchanged content")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileSourceSubscribeMissingDirectory(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope", "definitions.json")).Subscribe(context.Background())
	assert.Error(t, err)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisSourceLoad(t *testing.T) {
	mr, client := newTestRedis(t)
	source := NewRedisSource(client, "bucketz:definitions", "bucketz:definitions:updated")

	_, _, err := source.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNoPayload), "err = %v", err)

	require.NoError(t, mr.Set("bucketz:definitions", bundleV1))
	bundle, revision, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundle.Features, 1)
	assert.Equal(t, payload.Digest([]byte(bundleV1)), revision)

	require.NoError(t, mr.Set("bucketz:definitions", "{"))
	_, _, err = source.Load(context.Background())
	assert.Error(t, err)
}

func TestRedisSourceYAML(t *testing.T) {
	mr, client := newTestRedis(t)
	require.NoError(t, mr.Set("defs", bundleYAML))

	bundle, _, err := NewRedisSource(client, "defs", "updates", WithRedisFormat(payload.FormatYAML)).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundle.Features, 1)
}

func TestRedisSourcePublishAndSubscribe(t *testing.T) {
	mr, client := newTestRedis(t)
	source := NewRedisSource(client, "bucketz:definitions", "bucketz:definitions:updated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := source.Subscribe(ctx)
	require.NoError(t, err)

	revision, err := source.Publish(ctx, []byte(bundleV2))
	require.NoError(t, err)
	assert.Equal(t, payload.Digest([]byte(bundleV2)), revision)

	waitForSignal(t, signals)

	stored, err := mr.Get("bucketz:definitions")
	require.NoError(t, err)
	assert.Equal(t, bundleV2, stored)

	_, err = source.Publish(ctx, []byte(`{"features": [{"id": ""}]}`))
	assert.Error(t, err)
}
