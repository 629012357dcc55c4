package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/secretbox"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	config := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "agentmail.db") + "\n" +
		"log:\n  level: error\n" +
		"settings:\n  source: database\n  values:\n    EMAIL_ATTACHMENT_MAX_MB: \"3\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	secret, err := secretbox.GenerateKey()
	require.NoError(t, err)
	t.Setenv("AGENTMAIL_ENCRYPTION_SECRET", secret)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", configPath, "--user", "u1"}, args...))
	err = cmd.Execute()
	return out.String(), err
}

func TestPolicyCommand(t *testing.T) {
	out, err := runCLI(t, "policy")
	require.NoError(t, err)

	var p model.Policy
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.AllowExternal)
	assert.Equal(t, 3.0, p.AttachmentMaxMB)
}

func TestStatusWithoutConnection(t *testing.T) {
	_, err := runCLI(t, "status")
	require.Error(t, err)
	assert.Equal(t, 5, exitCode(err))
}

func TestSearchWithoutConnection(t *testing.T) {
	_, err := runCLI(t, "search", "from:bob")
	assert.True(t, model.IsConfigurationError(err))
}

func TestSendRequiresDraftFlag(t *testing.T) {
	_, err := runCLI(t, "send", "--token", "abc")
	assert.True(t, model.IsDraftError(err, model.DraftRequired))
	assert.Equal(t, 4, exitCode(err))
}

func TestReplyNeedsTarget(t *testing.T) {
	_, err := runCLI(t, "reply", "--text", "hi")
	assert.Error(t, err)
}

func TestDraftsPurge(t *testing.T) {
	out, err := runCLI(t, "drafts", "purge")
	require.NoError(t, err)
	assert.JSONEq(t, `{"purged": 0}`, out)
}

func TestLoadAttachments(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.csv")
	logo := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(report, []byte("a,b\n1,2\n"), 0o600))
	require.NoError(t, os.WriteFile(logo, []byte{0x89, 'P', 'N', 'G'}, 0o600))

	got, err := loadAttachments([]string{report}, []string{"logo=" + logo})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "report.csv", got[0].Filename)
	assert.Equal(t, model.EncodingBase64, got[0].Encoding)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")), got[0].Content)
	size, err := got[0].Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.False(t, got[0].Inline)

	assert.Equal(t, "image/png", got[1].ContentType)
	assert.True(t, got[1].Inline)
	assert.Equal(t, "logo", got[1].CID)

	_, err = loadAttachments(nil, []string{"no-separator"})
	assert.Error(t, err)
	_, err = loadAttachments([]string{filepath.Join(dir, "missing.txt")}, nil)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(&model.PolicyViolation{Rule: model.RuleSendDisabled}))
	assert.Equal(t, 6, exitCode(&model.ConnectionError{Stage: model.StageRetrieval}))
	assert.Equal(t, 7, exitCode(&model.ProtocolError{Message: "original not found"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
