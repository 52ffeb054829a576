package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "senja", root.Use)
	assert.Equal(t, version, root.Version)
}

func TestCommandsRegistered(t *testing.T) {
	root := GetRootCmd()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"start", "stop", "status", "configure", "approvals"} {
		assert.True(t, names[want], "command %s should be registered", want)
	}
}

func TestApprovalsSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range approvalsCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"list", "approve", "deny", "history"} {
		require.True(t, names[want], "approvals %s should be registered", want)
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, "0.1.0", GetVersion())
}
