package job

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"genjobs/internal/apperrors"
	"genjobs/internal/artifact"
	"genjobs/internal/events"
	"genjobs/internal/pipeline"
)

// Validation limits
const (
	maxTextLength     = 200
	maxPromptLength   = 2000
	maxFontNameLength = 256
	maxCallbackEvents = 16
)

// Request defaults.
const (
	DefaultBgPrompt                 = "A close-up view of a rustic wooden table surface. Soft morning sunlight coming from a window, creating gentle shadows. Blurred cozy kitchen background, bokeh, photorealistic, 8k, cinematic lighting."
	DefaultBgNegativePrompt         = "blurry, low quality, distorted, ugly, bad lighting, overexposed, underexposed"
	DefaultTextModelPrompt          = "3D render of Gold foil balloon text, inflated, shiny metallic texture, floating in air, cinematic lighting, sharp details, isolated on black background"
	DefaultNegativePrompt           = "floor, ground, dirt, debris, random shapes, multiple objects, clutter, ugly, low quality"
	DefaultCompositionMode          = "overlay"
	DefaultTextPosition             = "top"
	DefaultCompositionStrength      = 0.4
	DefaultCompositionSteps         = 28
	DefaultCompositionGuidanceScale = 3.5
	DefaultStrength                 = 0.6
	DefaultGuidanceScale            = 3.5
)

var (
	compositionModes = []string{"overlay", "blend", "behind"}
	textPositions    = []string{"top", "center", "bottom", "auto"}
	callbackEvents   = []string{events.TypeJobStep, events.TypeJobFinished}
)

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request) {
	if req.StartStep <= 0 {
		req.StartStep = 1
	}
	if req.BgPrompt == "" {
		req.BgPrompt = DefaultBgPrompt
	}
	if req.BgNegativePrompt == "" {
		req.BgNegativePrompt = DefaultBgNegativePrompt
	}
	if req.TextModelPrompt == "" {
		req.TextModelPrompt = DefaultTextModelPrompt
	}
	if req.NegativePrompt == "" {
		req.NegativePrompt = DefaultNegativePrompt
	}
	if req.CompositionMode == "" {
		req.CompositionMode = DefaultCompositionMode
	}
	if req.TextPosition == "" {
		req.TextPosition = DefaultTextPosition
	}
	if req.CompositionStrength == nil {
		req.CompositionStrength = ptr(DefaultCompositionStrength)
	}
	if req.CompositionSteps == 0 {
		req.CompositionSteps = DefaultCompositionSteps
	}
	if req.CompositionGuidanceScale == 0 {
		req.CompositionGuidanceScale = DefaultCompositionGuidanceScale
	}
	if req.Strength == nil {
		req.Strength = ptr(DefaultStrength)
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = DefaultGuidanceScale
	}
	if req.AutoUnload == nil {
		req.AutoUnload = ptr(true)
	}

	// Legacy per-step image fields feed step_outputs unless already present.
	legacy := map[string]string{
		pipeline.StepBackground: req.Step1Image,
		pipeline.StepText:       req.Step2Image,
	}
	for step, ref := range legacy {
		if ref == "" {
			continue
		}
		if req.StepOutputs == nil {
			req.StepOutputs = make(map[string]string)
		}
		if _, ok := req.StepOutputs[step]; !ok {
			req.StepOutputs[step] = ref
		}
	}
	req.Step1Image = ""
	req.Step2Image = ""
}

// validate validates a job request. Does not modify the request.
func validate(req *Request) error {
	if req.StartStep < 1 || req.StartStep > 3 {
		return apperrors.Validation("start_step", "start_step must be between 1 and 3")
	}
	if req.StopStep != 0 && (req.StopStep < req.StartStep || req.StopStep > 3) {
		return apperrors.Validation("stop_step", fmt.Sprintf("stop_step must be between start_step (%d) and 3", req.StartStep))
	}

	if utf8.RuneCountInString(req.TextContent) > maxTextLength {
		return apperrors.Validation("text_content", fmt.Sprintf("text_content exceeds maximum length of %d characters", maxTextLength))
	}

	prompts := []struct {
		field, value string
	}{
		{"bg_prompt", req.BgPrompt},
		{"bg_negative_prompt", req.BgNegativePrompt},
		{"bg_composition_prompt", req.BgCompositionPrompt},
		{"bg_composition_negative_prompt", req.BgCompositionNegativePrompt},
		{"text_model_prompt", req.TextModelPrompt},
		{"negative_prompt", req.NegativePrompt},
		{"composition_prompt", req.CompositionPrompt},
		{"composition_negative_prompt", req.CompositionNegativePrompt},
	}
	for _, p := range prompts {
		if utf8.RuneCountInString(p.value) > maxPromptLength {
			return apperrors.Validation(p.field, fmt.Sprintf("%s exceeds maximum length of %d characters", p.field, maxPromptLength))
		}
	}

	if len(req.FontName) > maxFontNameLength {
		return apperrors.Validation("font_name", fmt.Sprintf("font_name exceeds maximum length of %d", maxFontNameLength))
	}
	if slices.Contains(strings.Split(strings.ReplaceAll(req.FontName, `\`, "/"), "/"), "..") {
		return apperrors.Validation("font_name", "font_name must not contain path traversal")
	}

	if !slices.Contains(compositionModes, req.CompositionMode) {
		return apperrors.Validation("composition_mode", fmt.Sprintf("composition_mode must be one of %s", strings.Join(compositionModes, ", ")))
	}
	if !slices.Contains(textPositions, req.TextPosition) {
		return apperrors.Validation("text_position", fmt.Sprintf("text_position must be one of %s", strings.Join(textPositions, ", ")))
	}

	ranges := []struct {
		field    string
		value    float64
		min, max float64
	}{
		{"strength", deref(req.Strength), 0, 1},
		{"guidance_scale", req.GuidanceScale, 1, 20},
		{"composition_strength", deref(req.CompositionStrength), 0, 1},
		{"composition_steps", float64(req.CompositionSteps), 10, 50},
		{"composition_guidance_scale", req.CompositionGuidanceScale, 1, 7},
	}
	for _, r := range ranges {
		if r.value < r.min || r.value > r.max {
			return apperrors.Validation(r.field, fmt.Sprintf("%s must be between %g and %g", r.field, r.min, r.max))
		}
	}

	if req.InputImage != "" {
		if err := artifact.ValidateRef("input_image", req.InputImage); err != nil {
			return err
		}
	}

	for step, ref := range req.StepOutputs {
		if pipeline.StepNumber(step) == 0 {
			return apperrors.Validation("step_outputs", fmt.Sprintf("step_outputs: unknown step %q", step))
		}
		if err := artifact.ValidateRef("step_outputs."+step, ref); err != nil {
			return err
		}
	}

	plan := req.plan("", "")
	for _, step := range plan.RequiredInputs() {
		if req.StepOutputs[step] == "" {
			return apperrors.Validation("step_outputs."+step,
				fmt.Sprintf("start_step %d requires the output of step %d (%s)", req.StartStep, pipeline.StepNumber(step), step))
		}
	}

	// Validate callback
	if req.Callback != nil {
		if req.Callback.URL == "" {
			return apperrors.Validation("callback.url", "callback url is required")
		}
		if err := artifact.ValidateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range req.Callback.Events {
			if !slices.Contains(callbackEvents, e) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown callback event %q", e))
			}
		}
	}

	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// plan builds the executor plan for this request. Inputs are filled in
// after materialization.
func (req *Request) plan(jobID, workDir string) pipeline.Plan {
	return pipeline.Plan{
		JobID:       jobID,
		StartStep:   req.StartStep,
		StopStep:    req.StopStep,
		TextContent: req.TextContent,
		FontName:    req.FontName,
		Params:      req.params(),
		WorkDir:     workDir,
		TestMode:    req.TestMode,
	}
}

// params returns the generation parameters handed to step implementations.
func (req *Request) params() map[string]any {
	p := *req
	p.StepOutputs = nil
	p.Callback = nil
	p.InputImage = ""

	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// sanitized returns a copy safe to expose in status responses: inline
// images are elided and the callback signing key is dropped.
func (req *Request) sanitized() *Request {
	c := *req
	c.InputImage = artifact.Describe(req.InputImage)
	if req.StepOutputs != nil {
		c.StepOutputs = make(map[string]string, len(req.StepOutputs))
		for k, v := range req.StepOutputs {
			c.StepOutputs[k] = artifact.Describe(v)
		}
	}
	if req.Callback != nil {
		cb := *req.Callback
		cb.Key = ""
		c.Callback = &cb
	}
	return &c
}
