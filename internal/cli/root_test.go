package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "miszen", cmd.Use)
	assert.Contains(t, cmd.Long, "mapping table")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"validate", "route", "serve", "records"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	logFormatFlag := cmd.PersistentFlags().Lookup("log-format")
	require.NotNil(t, logFormatFlag)
	assert.Equal(t, "text", logFormatFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"env-file", "mapping", "db", "no-store", "stdin", "watch", "dry-run", "no-reload", "grace"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve should have --%s", name)
	}
	assert.Equal(t, "30s", serveCmd.Flags().Lookup("grace").DefValue)
}

func TestRouteCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	routeCmd, _, err := cmd.Find([]string{"route"})
	require.NoError(t, err)

	require.NotNil(t, routeCmd.Flags().Lookup("event"))
	require.NotNil(t, routeCmd.Flags().Lookup("params"))
	require.NotNil(t, routeCmd.Flags().Lookup("lenient"))
}

func TestRecordsCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	recordsCmd, _, err := cmd.Find([]string{"records"})
	require.NoError(t, err)

	for _, name := range []string{"db", "correlation", "status", "limit", "attempts", "stats"} {
		assert.NotNil(t, recordsCmd.Flags().Lookup(name), "records should have --%s", name)
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLogFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--log-format", "xml", "validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}
