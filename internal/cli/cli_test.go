package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubflow/internal/action"
	"hubflow/internal/scheduler"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--config", filepath.Join(dir, "none.yaml"), "--db", filepath.Join(dir, "cli.db"), "--log-level", "error"}
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sweep", "dispatch", "run-task", "user"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("db"))
}

func TestUserAddThenDispatch(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "user", "add", "--id", "u1", "--name", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "User u1 saved")

	out, err = run(t, dir, "dispatch", "--user", "u1", `{"action":"reminder","message":"stretch"}`)
	require.NoError(t, err)
	var res action.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, action.Result{OK: true, Message: "Reminder: stretch"}, res)

	out, err = run(t, dir, "sweep")
	require.NoError(t, err)
	var report scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, 0, report.Fired)

	out, err = run(t, dir, "run-task", "--user", "u1", "--id", "tsk_missing")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
}

func TestUserAddNeedsName(t *testing.T) {
	_, err := run(t, t.TempDir(), "user", "add", "--id", "u1")
	assert.Error(t, err)
}

func TestDispatchNeedsUser(t *testing.T) {
	_, err := run(t, t.TempDir(), "dispatch", `{"action":"reminder"}`)
	assert.Error(t, err)
}
