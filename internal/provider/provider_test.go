package provider

import (
	"errors"
	"testing"

	"go-replicate-studio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIsOmittedWhenZero(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		name     string
		seed     int64
		wantSeed interface{}
		present  bool
	}{
		{"zero seed omitted", 0, nil, false},
		{"explicit seed sent", 42, int64(42), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body, err := reg.Build(models.GenerationRequest{Model: "dev", Prompt: "a cat", Seed: tt.seed})
			require.NoError(t, err)
			got, ok := body.Input["seed"]
			assert.Equal(t, tt.present, ok)
			if tt.present {
				assert.Equal(t, tt.wantSeed, got)
			}
		})
	}
}

func TestSeedRuleAppliesToEveryImageProvider(t *testing.T) {
	reg := DefaultRegistry()
	for _, id := range []string{"flux-dev", "flux-schnell", "flux-pro", "sdxl", "recraft"} {
		t.Run(id, func(t *testing.T) {
			_, body, err := reg.Build(models.GenerationRequest{Model: id, Prompt: "x"})
			require.NoError(t, err)
			assert.NotContains(t, body.Input, "seed")
		})
	}
}

func TestAspectVersusCustomSize(t *testing.T) {
	reg := DefaultRegistry()

	_, body, err := reg.Build(models.GenerationRequest{Model: "flux-dev", Prompt: "p", AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.Equal(t, "16:9", body.Input["aspect_ratio"])
	assert.NotContains(t, body.Input, "width")
	assert.NotContains(t, body.Input, "height")

	_, body, err = reg.Build(models.GenerationRequest{Model: "flux-dev", Prompt: "p", CustomAspect: true, Width: 800, Height: 600, AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.Equal(t, 800, body.Input["width"])
	assert.Equal(t, 600, body.Input["height"])
	assert.NotContains(t, body.Input, "aspect_ratio")

	_, body, err = reg.Build(models.GenerationRequest{Model: "pro", Prompt: "p", CustomAspect: true, Width: 800, Height: 600})
	require.NoError(t, err)
	assert.Equal(t, "custom", body.Input["aspect_ratio"])

	_, _, err = reg.Build(models.GenerationRequest{Model: "flux-dev", Prompt: "p", CustomAspect: true})
	assert.Error(t, err)
}

func TestRecraftUsesSizeString(t *testing.T) {
	_, body, err := DefaultRegistry().Build(models.GenerationRequest{Model: "recraft", Prompt: "p", CustomAspect: true, Width: 1024, Height: 768})
	require.NoError(t, err)
	assert.Equal(t, "1024x768", body.Input["size"])
	assert.Equal(t, "recraft-ai/recraft-v3", body.Model)
}

func TestSDXLUsesSeparateDimensions(t *testing.T) {
	_, body, err := DefaultRegistry().Build(models.GenerationRequest{
		Model: "sdxl", Prompt: "p", AspectRatio: "16:9", Guidance: 7.5, Steps: 30, Scheduler: "K_EULER",
	})
	require.NoError(t, err)
	assert.Equal(t, 1024, body.Input["width"])
	assert.Equal(t, 576, body.Input["height"])
	assert.Equal(t, 7.5, body.Input["guidance_scale"])
	assert.Equal(t, 30, body.Input["num_inference_steps"])
	assert.Equal(t, "K_EULER", body.Input["scheduler"])
	assert.NotEmpty(t, body.Version)
}

func TestAliasesAndUnknownProviders(t *testing.T) {
	reg := DefaultRegistry()

	s, err := reg.Lookup("DEV")
	require.NoError(t, err)
	assert.Equal(t, "flux-dev", s.ID())

	_, err = reg.Lookup("midjourney")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestValidation(t *testing.T) {
	reg := DefaultRegistry()

	_, _, err := reg.Build(models.GenerationRequest{Model: "flux-dev", Prompt: "   "})
	assert.True(t, errors.Is(err, ErrPromptRequired))

	_, _, err = reg.Build(models.GenerationRequest{Model: "upscale"})
	assert.True(t, errors.Is(err, ErrImageRequired))

	_, body, err := reg.Build(models.GenerationRequest{Model: "upscale", SourceImage: "https://x/in.png"})
	require.NoError(t, err)
	assert.Equal(t, 2, body.Input["scale"])
}

func TestInspireDefaults(t *testing.T) {
	_, body, err := DefaultRegistry().Build(models.GenerationRequest{Model: "inspire", Prompt: "moody harbour"})
	require.NoError(t, err)
	assert.Equal(t, 256, body.Input["max_tokens"])
	assert.Equal(t, defaultInspireSystemPrompt, body.Input["system_prompt"])
}

func TestSizeForAspect(t *testing.T) {
	tests := []struct {
		aspect string
		w, h   int
	}{
		{"1:1", 1024, 1024},
		{"16:9", 1024, 576},
		{"9:16", 576, 1024},
		{"bogus", 1024, 1024},
		{"", 1024, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.aspect, func(t *testing.T) {
			w, h := sizeForAspect(tt.aspect, 1024)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
		})
	}
}
