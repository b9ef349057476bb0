package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rboxmail/rbox/testutil"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`data_dir: %s
log_level: error
store:
  no_sync: true
pools:
  primary: mail
  alternate: mail-alt
expunge:
  min_backoff: 1ms
  max_backoff: 2ms
`, filepath.Join(dir, "data"))
	return testutil.TempFile(t, dir, "rbox.yaml", content)
}

func run(t *testing.T, cfg, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, cfg, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, cfg, stdin, args...)
	require.NoError(t, err, "rbox %s", strings.Join(args, " "))
	return out
}

func TestSaveCatAndList(t *testing.T) {
	cfg := writeConfig(t)

	out := mustRun(t, cfg, "Subject: one\r\n\r\nfirst", "save", "alice", "INBOX", "-k", "work", "--from", "bob@example.org")
	assert.True(t, strings.HasPrefix(out, "1 "), out)
	out = mustRun(t, cfg, "second", "save", "alice", "INBOX", "--received", "2024-05-01T09:30:00Z")
	assert.True(t, strings.HasPrefix(out, "2 "), out)

	assert.Equal(t, "Subject: one\r\n\r\nfirst", mustRun(t, cfg, "", "cat", "alice", "INBOX", "1"))

	attrs := mustRun(t, cfg, "", "cat", "alice", "INBOX", "1", "--attrs")
	assert.Contains(t, attrs, "bob@example.org")
	assert.Contains(t, attrs, "work")

	boxes := mustRun(t, cfg, "", "ls", "alice")
	assert.Contains(t, boxes, "INBOX")

	entries := mustRun(t, cfg, "", "ls", "alice", "INBOX")
	lines := strings.Split(strings.TrimSpace(entries), "\n")
	assert.Len(t, lines, 3)

	ns := strings.TrimSpace(mustRun(t, cfg, "", "ns", "alice"))
	assert.NotEmpty(t, ns)
	assert.NotEqual(t, "alice", ns)
}

func TestUnknownTenant(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "", "ns", "nobody")
	assert.Error(t, err)

	out := mustRun(t, cfg, "", "ns", "nobody", "--create")
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestCopyMoveExpungeAndAlt(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "one", "save", "alice", "INBOX")
	mustRun(t, cfg, "two", "save", "alice", "INBOX")
	mustRun(t, cfg, "three", "save", "alice", "INBOX")

	out := mustRun(t, cfg, "", "copy", "alice", "INBOX", "1", "Archive")
	assert.True(t, strings.HasPrefix(out, "1 "), out)
	assert.Equal(t, "one", mustRun(t, cfg, "", "cat", "alice", "Archive", "1"))

	mustRun(t, cfg, "", "copy", "alice", "INBOX", "1", "Shared", "--to-tenant", "bob")
	assert.Equal(t, "one", mustRun(t, cfg, "", "cat", "bob", "Shared", "1"))

	out = mustRun(t, cfg, "", "move", "alice", "INBOX", "2", "Archive")
	assert.True(t, strings.HasPrefix(out, "2 "), out)
	_, err := run(t, cfg, "", "cat", "alice", "INBOX", "2")
	assert.Error(t, err)

	assert.Equal(t, "migrated 1, failed 0\n", mustRun(t, cfg, "", "alt", "alice", "INBOX", "3"))
	assert.Contains(t, mustRun(t, cfg, "", "ls", "alice", "INBOX"), "alternate")
	assert.Equal(t, "three", mustRun(t, cfg, "", "cat", "alice", "INBOX", "3"))

	assert.Equal(t, "expunged 2, failed 0\n", mustRun(t, cfg, "", "expunge", "alice", "INBOX", "1", "3"))
	entries := mustRun(t, cfg, "", "ls", "alice", "INBOX")
	assert.Len(t, strings.Split(strings.TrimSpace(entries), "\n"), 1, "only the header is left")
}

func TestRebuild(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "one", "save", "alice", "INBOX")
	mustRun(t, cfg, "two", "save", "alice", "INBOX")

	out := mustRun(t, cfg, "", "rebuild", "alice", "INBOX", "--reset")
	assert.Equal(t, "mode primary, recovered 2, skipped 0, next uid 3\n", out)
	assert.Equal(t, "two", mustRun(t, cfg, "", "cat", "alice", "INBOX", "2"))
}

func TestEncryptedStore(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	keyFile := testutil.TempFile(t, dir, "rbox.key", strings.Repeat("ab", 32))
	cfg := testutil.TempFile(t, dir, "rbox.yaml", fmt.Sprintf(`data_dir: %s
log_level: error
store:
  no_sync: true
  compress: true
  encryption_key_file: %s
`, data, keyFile))

	mustRun(t, cfg, "Subject: private\r\n\r\nbody", "save", "alice", "INBOX")
	assert.Equal(t, "Subject: private\r\n\r\nbody", mustRun(t, cfg, "", "cat", "alice", "INBOX", "1"))

	plain := testutil.TempFile(t, dir, "plain.yaml", fmt.Sprintf("data_dir: %s\nlog_level: error\nstore:\n  no_sync: true\n", data))
	_, err := run(t, plain, "", "cat", "alice", "INBOX", "1")
	assert.ErrorContains(t, err, "no key is configured")
}

func TestTraceFlag(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "save.trace")
	mustRun(t, cfg, "traced", "save", "alice", "INBOX", "--trace", path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestInvalidArguments(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "", "cat", "alice", "INBOX", "zero")
	assert.ErrorContains(t, err, "invalid uid")

	_, err = run(t, cfg, "", "expunge", "alice", "INBOX", "0")
	assert.ErrorContains(t, err, "invalid uid")

	_, err = run(t, cfg, "x", "save", "alice", "INBOX", "--received", "yesterday")
	assert.ErrorContains(t, err, "invalid --received")

	_, err = run(t, cfg, "x", "save", "alice", "INBOX", "--received", "1969-12-31T23:59:59Z")
	assert.ErrorContains(t, err, "out of range")
}

func TestConfigAndVersion(t *testing.T) {
	cfg := writeConfig(t)
	out := mustRun(t, cfg, "", "config")
	assert.Contains(t, out, "alternate: mail-alt")
	assert.Contains(t, out, "wait_policy: committed")

	out = mustRun(t, cfg, "", "version")
	assert.Contains(t, out, "rbox dev")
}
