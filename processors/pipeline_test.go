package processors

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoCaption/config"
	"videoCaption/core"
)

func TestModelRegistryLoadsExactlyOnce(t *testing.T) {
	var loads int32
	registry := newModelRegistryWithLoader(func() (*ModelStack, error) {
		atomic.AddInt32(&loads, 1)
		return &ModelStack{}, nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = registry.EnsureLoaded()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NotNil(t, registry.Stack())
}

func TestModelRegistryCachesFailure(t *testing.T) {
	var loads int32
	registry := newModelRegistryWithLoader(func() (*ModelStack, error) {
		atomic.AddInt32(&loads, 1)
		return nil, core.ModelLoadError("weights absent", nil)
	})

	for i := 0; i < 3; i++ {
		err := registry.EnsureLoaded()
		assert.ErrorIs(t, err, core.ErrModelLoad)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	assert.Nil(t, registry.Stack())
}

func TestMockCaptionerDrawsFromPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not a real video"), 0o644))

	captioner := NewMockCaptioner()
	assert.True(t, captioner.Mock())
	assert.Equal(t, "mock", captioner.Name())

	pool := map[string]bool{}
	for _, s := range fallbackCaptions {
		pool[s] = true
	}
	for i := 0; i < 20; i++ {
		caption, err := captioner.GenerateCaption(context.Background(), path)
		require.NoError(t, err)
		require.NotEmpty(t, caption)
		assert.True(t, pool[caption], "caption %q not in fallback pool", caption)
		assert.NotErrorIs(t, err, core.ErrModelLoad)
	}
}

func TestMockCaptionerMissingFile(t *testing.T) {
	captioner := NewMockCaptioner()
	_, err := captioner.GenerateCaption(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	assert.ErrorIs(t, err, core.ErrVideoNotFound)
}

func TestNewCaptionerHonorsProvider(t *testing.T) {
	log := zerolog.Nop()

	cfg := &config.Config{CaptionProvider: "mock"}
	c, err := NewCaptioner(cfg, log)
	require.NoError(t, err)
	assert.True(t, c.Mock())

	cfg = &config.Config{CaptionProvider: "model", WeightsDir: t.TempDir()}
	c, err = NewCaptioner(cfg, log)
	require.NoError(t, err)
	assert.False(t, c.Mock())
	assert.Equal(t, "model", c.Name())

	cfg = &config.Config{CaptionProvider: "openai", APIKey: "test"}
	c, err = NewCaptioner(cfg, log)
	require.NoError(t, err)
	assert.False(t, c.Mock())
	assert.Equal(t, "openai", c.Name())
}

func TestNewCaptionerAutoFallsBackWithoutWeights(t *testing.T) {
	cfg := &config.Config{CaptionProvider: "auto", WeightsDir: t.TempDir()}
	c, err := NewCaptioner(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, c.Mock(), "auto must pin the mock captioner when weights are absent")
}

func TestModelCaptionerSurfacesLoadError(t *testing.T) {
	mc := config.DefaultModelConfig()
	mc.WeightsDir = t.TempDir() // empty: no weight files

	captioner := NewModelCaptioner(mc, NewModelRegistry(mc, zerolog.Nop()), zerolog.Nop())
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := captioner.GenerateCaption(context.Background(), path)
	assert.ErrorIs(t, err, core.ErrModelLoad)
}
