package cli

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbahri/senja/internal/config"
	"github.com/mbahri/senja/pkg/flow"
)

func TestPromptStep(t *testing.T) {
	var out bytes.Buffer

	t.Run("note acknowledges", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("\n"))
		value, err := promptStep(in, &out, flow.Step{Type: flow.StepNote, Prompt: "hello"})
		require.NoError(t, err)
		assert.Nil(t, value)
		assert.Contains(t, out.String(), "hello")
	})

	t.Run("text trims input", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("  sk-ant-test  \n"))
		value, err := promptStep(in, &out, flow.Step{Type: flow.StepText, Prompt: "Key"})
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-test", value)
	})

	t.Run("confirm yes", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("y\n"))
		value, err := promptStep(in, &out, flow.Step{Type: flow.StepConfirm, Prompt: "Sure?"})
		require.NoError(t, err)
		assert.Equal(t, true, value)
	})

	t.Run("confirm defaults to no", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("\n"))
		value, err := promptStep(in, &out, flow.Step{Type: flow.StepConfirm, Prompt: "Sure?"})
		require.NoError(t, err)
		assert.Equal(t, false, value)
	})

	t.Run("select by index", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("2\n"))
		step := flow.Step{Type: flow.StepSelect, Prompt: "Pick", Options: []flow.StepOption{
			{Value: "a"}, {Value: "b"},
		}}
		value, err := promptStep(in, &out, step)
		require.NoError(t, err)
		assert.Equal(t, "b", value)
	})

	t.Run("multiselect mixes indices and values", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("1, c\n"))
		step := flow.Step{Type: flow.StepMultiSelect, Prompt: "Pick", Options: []flow.StepOption{
			{Value: "a"}, {Value: "b"},
		}}
		value, err := promptStep(in, &out, step)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, value)
	})

	t.Run("multiselect empty", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("\n"))
		step := flow.Step{Type: flow.StepMultiSelect, Prompt: "Pick"}
		value, err := promptStep(in, &out, step)
		require.NoError(t, err)
		assert.Empty(t, value)
	})
}

func TestResolveOption(t *testing.T) {
	options := []flow.StepOption{{Value: "alpha"}, {Value: "beta"}}

	assert.Equal(t, "alpha", resolveOption(options, "1"))
	assert.Equal(t, "beta", resolveOption(options, "2"))
	assert.Equal(t, "literal", resolveOption(options, "literal"))
	assert.Equal(t, "7", resolveOption(options, "7"), "out of range index is taken literally")
}

func TestRunConfigureEndToEnd(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "senja.json")
	oldCfgFile := cfgFile
	cfgFile = configPath
	t.Cleanup(func() { cfgFile = oldCfgFile })

	// note -> providers (anthropic) -> console url -> key -> model ->
	// log level -> confirm
	script := strings.Join([]string{
		"",
		"1",
		"",
		"sk-ant-e2e-test",
		"1",
		"2",
		"y",
	}, "\n") + "\n"

	var out bytes.Buffer
	configureCmd.SetIn(strings.NewReader(script))
	configureCmd.SetOut(&out)
	configureCmd.SetContext(context.Background())

	require.NoError(t, runConfigure(configureCmd, nil))
	assert.Contains(t, out.String(), "Configuration saved")

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	require.Len(t, cfg.Providers.Profiles, 1)
	assert.Equal(t, "anthropic", cfg.Providers.Profiles[0].Provider)
	assert.Equal(t, "sk-ant-e2e-test", cfg.Providers.Profiles[0].APIKey)
	assert.Equal(t, "claude-sonnet-4", cfg.Models.Default)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestApplyCompletionNilPayload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "senja.json")
	oldCfgFile := cfgFile
	cfgFile = configPath
	t.Cleanup(func() { cfgFile = oldCfgFile })

	var out bytes.Buffer
	require.NoError(t, applyCompletion(&out, nil))
	assert.Contains(t, out.String(), "nothing to save")
	assert.NoFileExists(t, configPath)
}

func TestRunConfigureDeclined(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "senja.json")
	oldCfgFile := cfgFile
	cfgFile = configPath
	t.Cleanup(func() { cfgFile = oldCfgFile })

	script := strings.Join([]string{"", "", "1", "2", "n"}, "\n") + "\n"

	var out bytes.Buffer
	configureCmd.SetIn(strings.NewReader(script))
	configureCmd.SetOut(&out)
	configureCmd.SetContext(context.Background())

	require.NoError(t, runConfigure(configureCmd, nil))
	assert.Contains(t, out.String(), "nothing saved")
	assert.NoFileExists(t, configPath)
}
