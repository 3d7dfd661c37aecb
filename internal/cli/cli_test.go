package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfigFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAddress_WithProgramFlag(t *testing.T) {
	stdout, _, err := executeCLI(t, "address", "game-42", "--program", "arcade")
	require.NoError(t, err)

	addr, bump, err := domain.FindSessionAddress(domain.NewProgramID("arcade"), "game-42")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("address: %s\nbump: %d\n", addr, bump), stdout)
}

func TestAddress_UsesConfiguredProgram(t *testing.T) {
	path := writeConfigFixture(t, "wallet:\n  program: configured\n")

	stdout, _, err := executeCLI(t, "--config", path, "address", "s1", "--json")
	require.NoError(t, err)

	var out struct {
		SessionID string `json:"session_id"`
		Address   string `json:"address"`
		Bump      uint8  `json:"bump"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	addr, bump, err := domain.FindSessionAddress(domain.NewProgramID("configured"), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, addr.String(), out.Address)
	assert.Equal(t, bump, out.Bump)
}

func TestAddress_RejectsInvalidSessionID(t *testing.T) {
	_, _, err := executeCLI(t, "address", strings.Repeat("x", 65), "--program", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session id")
}

func TestAddress_RequiresOneArg(t *testing.T) {
	_, _, err := executeCLI(t, "address")
	require.Error(t, err)
}

func TestToken_RoundTripsThroughValidator(t *testing.T) {
	path := writeConfigFixture(t, "jwt:\n  secret: cli-secret\n  issuer: cli-test\n")

	stdout, stderr, err := executeCLI(t, "--config", path, "token", "backend", "--expiry", "5m")
	require.NoError(t, err)
	assert.Contains(t, stderr, "expires at")

	claims, err := service.NewJWTTokenService("cli-secret", time.Minute, "cli-test").Validate(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "backend", claims.Identity)
}

func TestToken_RequiresSecret(t *testing.T) {
	path := writeConfigFixture(t, "jwt:\n  issuer: cli-test\n")

	_, _, err := executeCLI(t, "--config", path, "token", "backend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestServe_FailsWithoutSecret(t *testing.T) {
	path := writeConfigFixture(t, "wallet:\n  storage: memory\nredis:\n  enabled: false\n")

	_, _, err := executeCLI(t, "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestServe_RejectsBadConfig(t *testing.T) {
	path := writeConfigFixture(t, "wallet:\n  storage: sqlite\n")

	_, _, err := executeCLI(t, "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet.storage")
}
