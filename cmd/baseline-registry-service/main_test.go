package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/events"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "sweep", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q", name)
	}
}

func TestCommandFlags(t *testing.T) {
	addr := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "", addr.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("no-sweep"))
	require.NotNil(t, serveCmd.Flags().Lookup("no-relay"))

	days := sweepCmd.Flags().Lookup("older-than-days")
	require.NotNil(t, days)
	assert.Equal(t, "0", days.DefValue)
}

func TestNewAppWithMemoryStore(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := config.Config{
		StoreDriver:      config.StoreDriverMemory,
		StoreTimeout:     time.Second,
		SignerKeyB64:     base64.StdEncoding.EncodeToString(priv),
		SignerID:         "test",
		KafkaTopic:       "baseline-changes",
		ArchiveAfterDays: 90,
		RequireApproval:  true,
	}
	a, err := newApp(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.db)
	assert.IsType(t, &events.LogPublisher{}, a.publisher)
	assert.True(t, a.governance.RequiresApproval())

	n, err := a.artifacts.Archive(context.Background(), 30)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewAppRejectsBadSignerKey(t *testing.T) {
	_, err := newApp(context.Background(), config.Config{
		StoreDriver:  config.StoreDriverMemory,
		StoreTimeout: time.Second,
		SignerKeyB64: "not-base64",
	}, zap.NewNop())
	assert.Error(t, err)
}
