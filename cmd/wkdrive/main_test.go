package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/wkdrive/internal/config"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addSessionFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplySessionFlags(t *testing.T) {
	cmd := newTestCommand(t,
		"--ignore-ssl",
		"--skip-images",
		"--proxy", "127.0.0.1:3128",
		"--proxy-user", "user",
		"--proxy-pass", "secret",
		"--auth", "admin:hunter2",
	)
	cfg := config.DefaultConfig()
	require.NoError(t, applySessionFlags(cmd, cfg))

	assert.True(t, cfg.Session.IgnoreSSLErrors)
	assert.True(t, cfg.Session.SkipImageLoading)
	assert.Equal(t, &config.ProxySettings{Host: "127.0.0.1", Port: 3128, User: "user", Pass: "secret"}, cfg.Session.Proxy)
	assert.Equal(t, &config.AuthSettings{User: "admin", Pass: "hunter2"}, cfg.Session.Auth)
}

func TestApplySessionFlags_KeepsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.SkipImageLoading = true
	require.NoError(t, applySessionFlags(newTestCommand(t), cfg))
	assert.True(t, cfg.Session.SkipImageLoading)
	assert.Nil(t, cfg.Session.Proxy)
}

func TestApplySessionFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"proxy without port", []string{"--proxy", "localhost"}},
		{"proxy pass without user", []string{"--proxy", "localhost:1", "--proxy-pass", "x"}},
		{"auth without user", []string{"--auth", ":secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applySessionFlags(newTestCommand(t, tt.args...), config.DefaultConfig())
			assert.Error(t, err)
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"engine", "visit", "eval", "config", "completion"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
