package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/profilesvc/internal/auth"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("PROFILES_AUTH_SECRET", "cli-secret")
	t.Setenv("PROFILES_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--config", t.TempDir(), "--subject", "ops"})
	require.NoError(t, rootCmd.Execute())

	authenticator, err := auth.NewAuthenticator(auth.Config{Secret: "cli-secret"}, nil)
	require.NoError(t, err)
	subject, err := authenticator.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	rootCmd.SetArgs([]string{"migrate", "sideways", "--config", t.TempDir()})
	assert.Error(t, rootCmd.Execute())
}
