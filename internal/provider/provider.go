// Package provider turns a GenerationRequest into the payload a specific
// Replicate model expects. Each model family owns its field mapping.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go-replicate-studio/internal/models"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrPromptRequired  = errors.New("prompt is required")
	ErrImageRequired   = errors.New("source image is required")
)

// Strategy maps a request onto one model's input schema.
type Strategy interface {
	// ID is the registry key, e.g. "flux-dev".
	ID() string
	// Build returns the body forwarded to Replicate.
	Build(req models.GenerationRequest) (models.SubmitBody, error)
}

// Registry resolves provider ids and aliases to strategies.
type Registry struct {
	strategies map[string]Strategy
	aliases    map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		aliases:    make(map[string]string),
	}
}

// DefaultRegistry holds every model family the studio knows how to drive.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(fluxStrategy{id: "flux-dev", model: "black-forest-labs/flux-dev", defaultSteps: 28, allowImage: true}, "dev")
	r.Register(fluxStrategy{id: "flux-schnell", model: "black-forest-labs/flux-schnell", defaultSteps: 4}, "schnell")
	r.Register(fluxStrategy{id: "flux-pro", model: "black-forest-labs/flux-1.1-pro", explicitSize: true}, "pro")
	r.Register(sdxlStrategy{}, "stable-diffusion")
	r.Register(recraftStrategy{}, "recraft-v3")
	r.Register(upscaleStrategy{}, "esrgan")
	r.Register(inspireStrategy{}, "prompt")
	return r
}

// Register adds a strategy under its ID plus any aliases.
func (r *Registry) Register(s Strategy, aliases ...string) {
	r.strategies[s.ID()] = s
	for _, alias := range aliases {
		r.aliases[strings.ToLower(alias)] = s.ID()
	}
}

// Lookup finds a strategy by id or alias (case-insensitive).
func (r *Registry) Lookup(id string) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if s, ok := r.strategies[key]; ok {
		return s, nil
	}
	if target, ok := r.aliases[key]; ok {
		return r.strategies[target], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
}

// Build resolves req.Model and builds the body in one step.
func (r *Registry) Build(req models.GenerationRequest) (Strategy, models.SubmitBody, error) {
	s, err := r.Lookup(req.Model)
	if err != nil {
		return nil, models.SubmitBody{}, err
	}
	body, err := s.Build(req)
	if err != nil {
		return nil, models.SubmitBody{}, fmt.Errorf("%s: %w", s.ID(), err)
	}
	return s, body, nil
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- shared field rules ---

// putSeed adds the seed unless it is zero, which means "let the provider pick".
func putSeed(input map[string]interface{}, seed int64) {
	if seed != 0 {
		input["seed"] = seed
	}
}

func putString(input map[string]interface{}, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		input[key] = value
	}
}

func putInt(input map[string]interface{}, key string, value int) {
	if value > 0 {
		input[key] = value
	}
}

func putFloat(input map[string]interface{}, key string, value float64) {
	if value > 0 {
		input[key] = value
	}
}

func requirePrompt(req models.GenerationRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrPromptRequired
	}
	return prompt, nil
}

func aspectOrDefault(aspect string) string {
	if aspect = strings.TrimSpace(aspect); aspect != "" {
		return aspect
	}
	return "1:1"
}

// --- Flux family ---

type fluxStrategy struct {
	id           string
	model        string
	defaultSteps int
	allowImage   bool
	explicitSize bool // model takes width/height with aspect_ratio "custom"
}

func (f fluxStrategy) ID() string { return f.id }

func (f fluxStrategy) Build(req models.GenerationRequest) (models.SubmitBody, error) {
	prompt, err := requirePrompt(req)
	if err != nil {
		return models.SubmitBody{}, err
	}
	input := map[string]interface{}{"prompt": prompt}

	if req.CustomAspect {
		if req.Width <= 0 || req.Height <= 0 {
			return models.SubmitBody{}, fmt.Errorf("custom aspect needs width and height")
		}
		input["width"] = req.Width
		input["height"] = req.Height
		if f.explicitSize {
			input["aspect_ratio"] = "custom"
		}
	} else {
		input["aspect_ratio"] = aspectOrDefault(req.AspectRatio)
	}

	putSeed(input, req.Seed)
	putInt(input, "num_outputs", req.NumOutputs)
	if f.defaultSteps > 0 {
		steps := req.Steps
		if steps <= 0 {
			steps = f.defaultSteps
		}
		input["num_inference_steps"] = steps
	}
	putFloat(input, "guidance", req.Guidance)
	putString(input, "output_format", req.OutputFormat)
	putInt(input, "output_quality", req.OutputQuality)

	if f.allowImage && req.SourceImage != "" {
		input["image"] = req.SourceImage
		putFloat(input, "prompt_strength", req.PromptStrength)
	}
	return models.SubmitBody{Model: f.model, Input: input}, nil
}

// --- Stable Diffusion XL ---

const sdxlVersion = "7762fd07cf82c948538e41f63f77d685e02b063e37e496e96eefd46c929f9bdc"

type sdxlStrategy struct{}

func (sdxlStrategy) ID() string { return "sdxl" }

func (sdxlStrategy) Build(req models.GenerationRequest) (models.SubmitBody, error) {
	prompt, err := requirePrompt(req)
	if err != nil {
		return models.SubmitBody{}, err
	}
	width, height := req.Width, req.Height
	if !req.CustomAspect || width <= 0 || height <= 0 {
		width, height = sizeForAspect(req.AspectRatio, 1024)
	}
	input := map[string]interface{}{
		"prompt": prompt,
		"width":  width,
		"height": height,
	}
	putString(input, "negative_prompt", req.NegativePrompt)
	putSeed(input, req.Seed)
	putInt(input, "num_outputs", req.NumOutputs)
	putInt(input, "num_inference_steps", req.Steps)
	putFloat(input, "guidance_scale", req.Guidance)
	putString(input, "scheduler", req.Scheduler)
	if req.SourceImage != "" {
		input["image"] = req.SourceImage
		putFloat(input, "prompt_strength", req.PromptStrength)
		if req.MaskImage != "" {
			input["mask"] = req.MaskImage
		}
	}
	return models.SubmitBody{Model: "stability-ai/sdxl", Version: sdxlVersion, Input: input}, nil
}

// --- Recraft ---

type recraftStrategy struct{}

func (recraftStrategy) ID() string { return "recraft" }

// Build sends the size as a single "WxH" string.
func (recraftStrategy) Build(req models.GenerationRequest) (models.SubmitBody, error) {
	prompt, err := requirePrompt(req)
	if err != nil {
		return models.SubmitBody{}, err
	}
	input := map[string]interface{}{"prompt": prompt}
	if req.CustomAspect && req.Width > 0 && req.Height > 0 {
		input["size"] = fmt.Sprintf("%dx%d", req.Width, req.Height)
	} else {
		input["aspect_ratio"] = aspectOrDefault(req.AspectRatio)
	}
	putSeed(input, req.Seed)
	return models.SubmitBody{Model: "recraft-ai/recraft-v3", Input: input}, nil
}

// --- Upscaler ---

type upscaleStrategy struct{}

func (upscaleStrategy) ID() string { return "upscale" }

func (upscaleStrategy) Build(req models.GenerationRequest) (models.SubmitBody, error) {
	if strings.TrimSpace(req.SourceImage) == "" {
		return models.SubmitBody{}, ErrImageRequired
	}
	scale := req.Scale
	if scale <= 0 {
		scale = 2
	}
	input := map[string]interface{}{
		"image":        req.SourceImage,
		"scale":        scale,
		"face_enhance": req.FaceEnhance,
	}
	return models.SubmitBody{
		Model:   "nightmareai/real-esrgan",
		Version: "f121d640bd286e1fdc67f9799164c1d5be36ff74576ee11c803ae5b665dd46aa",
		Input:   input,
	}, nil
}

// --- Prompt inspiration (language model) ---

const defaultInspireSystemPrompt = "You write vivid, concrete prompts for text-to-image models. " +
	"Answer with the prompt only, no preamble, no quotes."

type inspireStrategy struct{}

func (inspireStrategy) ID() string { return "inspire" }

func (inspireStrategy) Build(req models.GenerationRequest) (models.SubmitBody, error) {
	prompt, err := requirePrompt(req)
	if err != nil {
		return models.SubmitBody{}, err
	}
	system := req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultInspireSystemPrompt
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	input := map[string]interface{}{
		"prompt":        prompt,
		"system_prompt": system,
		"max_tokens":    maxTokens,
	}
	putFloat(input, "temperature", req.Temperature)
	putSeed(input, req.Seed)
	return models.SubmitBody{Model: "meta/meta-llama-3-8b-instruct", Input: input}, nil
}

// sizeForAspect converts an aspect token like "16:9" into pixel dimensions whose
// long edge is base, rounded down to a multiple of 64.
func sizeForAspect(aspect string, base int) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(aspectOrDefault(aspect), "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return base, base
	}
	round := func(v int) int {
		v -= v % 64
		if v < 64 {
			return 64
		}
		return v
	}
	if w >= h {
		return base, round(base * h / w)
	}
	return round(base * w / h), base
}
