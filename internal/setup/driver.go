// Package setup implements the interactive provider setup flow.
package setup

import (
	"context"
	"fmt"

	"github.com/mbahri/senja/internal/config"
	"github.com/mbahri/senja/pkg/flow"
)

// maxKeyAttempts bounds the re-prompt loop for a malformed API key.
const maxKeyAttempts = 3

var providerLabels = map[string]string{
	"anthropic": "Anthropic (Claude)",
	"openai":    "OpenAI (GPT)",
	"gemini":    "Google (Gemini)",
}

var providerConsoleURLs = map[string]string{
	"anthropic": "https://console.anthropic.com/settings/keys",
	"openai":    "https://platform.openai.com/api-keys",
	"gemini":    "https://aistudio.google.com/apikey",
}

var modelOptions = []flow.StepOption{
	{Value: "claude-sonnet-4", Label: "Claude Sonnet 4 (recommended)"},
	{Value: "claude-opus-4", Label: "Claude Opus 4"},
	{Value: "gpt-4-turbo", Label: "GPT-4 Turbo"},
	{Value: "custom", Label: "Other model"},
}

var logLevelOptions = []flow.StepOption{
	{Value: "debug"},
	{Value: "info"},
	{Value: "warn"},
	{Value: "error"},
}

// Driver walks a remote caller through provider credentials, the default
// model and the log level, and completes with the resulting profiles plus a
// config patch. It never touches the config file itself; applying the
// payload is the caller's responsibility.
func Driver(ctx context.Context, api *flow.API) (*flow.CompletionPayload, error) {
	validator := config.NewValidator()

	if err := api.Note(ctx, "Welcome to senja setup. This will configure your AI providers."); err != nil {
		return nil, err
	}

	providers, err := api.MultiSelect(ctx, "Which providers do you want to configure?", []flow.StepOption{
		{Value: "anthropic", Label: providerLabels["anthropic"]},
		{Value: "openai", Label: providerLabels["openai"]},
		{Value: "gemini", Label: providerLabels["gemini"]},
	})
	if err != nil {
		return nil, err
	}

	var profiles []flow.ProviderProfile
	var notes []string
	for i, provider := range providers {
		key, err := promptAPIKey(ctx, api, validator, provider)
		if err != nil {
			return nil, err
		}
		if key == "" {
			notes = append(notes, fmt.Sprintf("%s skipped: no valid key entered", provider))
			continue
		}
		profiles = append(profiles, flow.ProviderProfile{
			ID:       provider,
			Provider: provider,
			APIKey:   key,
			Priority: i,
		})
	}

	model, err := promptModel(ctx, api)
	if err != nil {
		return nil, err
	}

	level, err := api.Select(ctx, "Log level?", logLevelOptions)
	if err != nil {
		return nil, err
	}
	if validator.ValidateLogLevel(level) != nil {
		level = "info"
	}

	ok, err := api.Confirm(ctx, fmt.Sprintf("Save configuration? (%d provider(s), default model %s)", len(profiles), model))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, flow.ErrCancelled
	}

	return &flow.CompletionPayload{
		Profiles:     profiles,
		DefaultModel: model,
		ConfigPatch: map[string]interface{}{
			"models.default": model,
			"logging.level":  level,
		},
		Notes: notes,
	}, nil
}

// promptAPIKey asks for a provider key, re-prompting on format errors. An
// empty answer skips the provider; exhausting the attempts does too.
func promptAPIKey(ctx context.Context, api *flow.API, validator *config.Validator, provider string) (string, error) {
	label, ok := providerLabels[provider]
	if !ok {
		label = provider
	}

	if url, ok := providerConsoleURLs[provider]; ok {
		msg := fmt.Sprintf("Create an API key in the %s console", label)
		if err := api.OpenURL(ctx, url, msg); err != nil {
			return "", err
		}
	}

	prompt := fmt.Sprintf("Enter your %s API key (leave empty to skip)", label)
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := api.Text(ctx, prompt, flow.TextOptions{
			Placeholder: keyPlaceholder(provider),
			Sensitive:   true,
		})
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", nil
		}
		if err := validator.ValidateAPIKey(key, provider); err == nil {
			return key, nil
		}
		prompt = fmt.Sprintf("That does not look like a %s key. Try again (leave empty to skip)", label)
	}
	return "", nil
}

func keyPlaceholder(provider string) string {
	switch provider {
	case "anthropic":
		return "sk-ant-..."
	case "openai":
		return "sk-..."
	default:
		return ""
	}
}

// promptModel asks for the default model, falling through to a free-form
// step when the caller picks "custom".
func promptModel(ctx context.Context, api *flow.API) (string, error) {
	model, err := api.Select(ctx, "Default model?", modelOptions)
	if err != nil {
		return "", err
	}
	if model != "custom" {
		return model, nil
	}

	custom, err := api.Text(ctx, "Model name", flow.TextOptions{Placeholder: "provider-model-id"})
	if err != nil {
		return "", err
	}
	if custom == "" {
		return "claude-sonnet-4", nil
	}
	return custom, nil
}
