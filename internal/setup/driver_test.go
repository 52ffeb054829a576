package setup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbahri/senja/pkg/flow"
)

// answerNext waits for the next step, checks its type and answers it.
func answerNext(t *testing.T, s *flow.Session, want flow.StepType, value interface{}) flow.Step {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := s.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Step, "expected a step, got status %s", res.Status)
	require.Equal(t, want, res.Step.Type)
	require.NoError(t, s.Answer(res.Step.ID, value))
	return *res.Step
}

func finalResult(t *testing.T, s *flow.Session) flow.NextResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, res.Done)
	return res
}

func startSetup(t *testing.T) *flow.Session {
	t.Helper()
	s := flow.Start(context.Background(), Driver, flow.SessionConfig{Logger: zerolog.Nop()})
	t.Cleanup(s.Cancel)
	return s
}

func TestDriverHappyPath(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{"anthropic", "openai"})

	url := answerNext(t, s, flow.StepOpenURL, nil)
	assert.Contains(t, url.URL, "console.anthropic.com")
	step := answerNext(t, s, flow.StepText, "sk-ant-api03-test")
	assert.True(t, step.Sensitive, "key prompts must be sensitive")

	answerNext(t, s, flow.StepOpenURL, nil)
	answerNext(t, s, flow.StepText, "sk-openai-test")
	answerNext(t, s, flow.StepSelect, "claude-sonnet-4")
	answerNext(t, s, flow.StepSelect, "info")
	answerNext(t, s, flow.StepConfirm, true)

	res := finalResult(t, s)
	assert.Equal(t, flow.StatusDone, res.Status)
	require.NotNil(t, res.Result)

	require.Len(t, res.Result.Profiles, 2)
	assert.Equal(t, "anthropic", res.Result.Profiles[0].Provider)
	assert.Equal(t, "sk-ant-api03-test", res.Result.Profiles[0].APIKey)
	assert.Equal(t, 0, res.Result.Profiles[0].Priority)
	assert.Equal(t, "openai", res.Result.Profiles[1].Provider)
	assert.Equal(t, 1, res.Result.Profiles[1].Priority)

	assert.Equal(t, "claude-sonnet-4", res.Result.DefaultModel)
	assert.Equal(t, "claude-sonnet-4", res.Result.ConfigPatch["models.default"])
	assert.Equal(t, "info", res.Result.ConfigPatch["logging.level"])
	assert.Empty(t, res.Result.Notes)
}

func TestDriverRepromptsOnBadKey(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{"anthropic"})
	answerNext(t, s, flow.StepOpenURL, nil)

	// Wrong prefix twice, then a valid key.
	answerNext(t, s, flow.StepText, "sk-wrong-prefix")
	step := answerNext(t, s, flow.StepText, "also-wrong")
	assert.Contains(t, step.Prompt, "does not look like")
	answerNext(t, s, flow.StepText, "sk-ant-valid")

	answerNext(t, s, flow.StepSelect, "claude-opus-4")
	answerNext(t, s, flow.StepSelect, "debug")
	answerNext(t, s, flow.StepConfirm, true)

	res := finalResult(t, s)
	require.NotNil(t, res.Result)
	require.Len(t, res.Result.Profiles, 1)
	assert.Equal(t, "sk-ant-valid", res.Result.Profiles[0].APIKey)
}

func TestDriverSkipsProviderAfterExhaustedAttempts(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{"anthropic"})
	answerNext(t, s, flow.StepOpenURL, nil)

	for i := 0; i < 3; i++ {
		answerNext(t, s, flow.StepText, "bad-key")
	}

	answerNext(t, s, flow.StepSelect, "claude-sonnet-4")
	answerNext(t, s, flow.StepSelect, "info")
	answerNext(t, s, flow.StepConfirm, true)

	res := finalResult(t, s)
	require.NotNil(t, res.Result)
	assert.Empty(t, res.Result.Profiles)
	require.Len(t, res.Result.Notes, 1)
	assert.Contains(t, res.Result.Notes[0], "anthropic skipped")
}

func TestDriverEmptyKeySkips(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{"openai"})
	answerNext(t, s, flow.StepOpenURL, nil)
	answerNext(t, s, flow.StepText, "")

	answerNext(t, s, flow.StepSelect, "gpt-4-turbo")
	answerNext(t, s, flow.StepSelect, "warn")
	answerNext(t, s, flow.StepConfirm, true)

	res := finalResult(t, s)
	require.NotNil(t, res.Result)
	assert.Empty(t, res.Result.Profiles)
	assert.Equal(t, "gpt-4-turbo", res.Result.DefaultModel)
}

func TestDriverCustomModel(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{})
	answerNext(t, s, flow.StepSelect, "custom")
	answerNext(t, s, flow.StepText, "my-local-model")
	answerNext(t, s, flow.StepSelect, "info")
	answerNext(t, s, flow.StepConfirm, true)

	res := finalResult(t, s)
	require.NotNil(t, res.Result)
	assert.Equal(t, "my-local-model", res.Result.DefaultModel)
}

func TestDriverDecliningConfirmationCancels(t *testing.T) {
	s := startSetup(t)

	answerNext(t, s, flow.StepNote, nil)
	answerNext(t, s, flow.StepMultiSelect, []interface{}{})
	answerNext(t, s, flow.StepSelect, "claude-sonnet-4")
	answerNext(t, s, flow.StepSelect, "info")
	answerNext(t, s, flow.StepConfirm, false)

	res := finalResult(t, s)
	assert.Equal(t, flow.StatusCancelled, res.Status)
	assert.Nil(t, res.Result)
}
