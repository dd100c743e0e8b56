package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
stores:
  - name: docs
    backend: local
    gcGracePeriod: -1ns
    caching: {maxCount: 100}
  - name: ids
    backend: local
    path: ids
    keyStrategy: {type: docid}
`

type testEnv struct {
	t       *testing.T
	dir     string
	baseArg []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "binstore.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(testConfig), 0o600))
	return &testEnv{
		t:       t,
		dir:     dir,
		baseArg: []string{"--config", cfg, "--data-dir", filepath.Join(dir, "data"), "--log-level", "error"},
	}
}

func (e *testEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), append(args, e.baseArg...), strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func (e *testEnv) mustRun(stdin string, args ...string) string {
	e.t.Helper()
	out, err := e.run(stdin, args...)
	require.NoError(e.t, err, args)
	return out
}

func (e *testEnv) file(name, content string) string {
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestRun checks the command tree is as it should be
func TestRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{name: "nothing", args: []string{}},
		{name: "help", args: []string{"-h"}},
		{name: "put", args: []string{"put", "-h"}},
		{name: "gc", args: []string{"gc", "-h"}},
		{name: "cache clear", args: []string{"cache", "clear", "-h"}},
		{name: "invalid", args: []string{"invalid", "-h"}, err: "unknown command \"invalid\" for \"binstore\""},
		{name: "missing args", args: []string{"get", "k"}, err: "accepts 2 arg(s), received 1"},
		{name: "gc without marks", args: []string{"gc"}, err: "required flag(s) \"marks\" not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := Run(context.Background(), tt.args, strings.NewReader(""), &out, &out)
			if tt.err != "" {
				assert.EqualError(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPutGetExistsRm(t *testing.T) {
	env := newTestEnv(t)
	src := env.file("hello.txt", "hello")

	out := env.mustRun("", "put", src)
	assert.Equal(t, "docs:5d41402abc4b2a76b9719d911017c592\n", out)

	assert.Equal(t, "hello", env.mustRun("", "get", "docs:5d41402abc4b2a76b9719d911017c592", "-"))

	dest := filepath.Join(env.dir, "copy.txt")
	env.mustRun("", "get", "5d41402abc4b2a76b9719d911017c592", dest)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Equal(t, "true\n", env.mustRun("", "exists", "5d41402abc4b2a76b9719d911017c592"))

	env.mustRun("", "rm", "docs:5d41402abc4b2a76b9719d911017c592")
	assert.Equal(t, "false\n", env.mustRun("", "exists", "5d41402abc4b2a76b9719d911017c592"))

	_, err = env.run("", "get", "5d41402abc4b2a76b9719d911017c592", "-")
	assert.ErrorContains(t, err, "not found")
}

func TestPutStdinDocID(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun("content", "put", "-", "--store", "ids", "--id", "doc-1", "--json")
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, map[string]string{"store": "ids", "key": "doc-1", "qualified": "ids:doc-1"}, res)

	assert.Equal(t, "content", env.mustRun("", "get", "ids:doc-1", "-"))

	t.Setenv("BINSTORE_STORE", "ids")
	assert.Equal(t, "true\n", env.mustRun("", "exists", "doc-1"))
}

func TestStat(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("hello", "put", "-")

	out := env.mustRun("", "stat", "--json", "--codec", "json")
	var infos []storeInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)

	assert.Equal(t, "docs", infos[0].Name)
	assert.Equal(t, "digest(MD5)", infos[0].KeyStrategy)
	require.NotNil(t, infos[0].Cache)
	assert.Equal(t, 1, infos[0].Cache.Entries)

	assert.Equal(t, "ids", infos[1].Name)
	assert.Equal(t, "docid", infos[1].KeyStrategy)
	assert.Nil(t, infos[1].Cache)

	_, err := env.run("", "stat", "--json", "--codec", "xml")
	assert.Error(t, err)
}

func TestGC(t *testing.T) {
	env := newTestEnv(t)
	live := strings.TrimSpace(env.mustRun("live", "put", "-"))
	dead := strings.TrimSpace(env.mustRun("dead", "put", "-"))
	marks := env.file("marks.txt", "# live keys\n"+live+"\nids:doc-9\n")

	out := env.mustRun("", "gc", "--marks", marks)
	assert.Contains(t, out, "binaries=2")
	assert.Contains(t, out, "gc=1")
	assert.Equal(t, "true\n", env.mustRun("", "exists", dead))

	out = env.mustRun(live+"\n", "gc", "--marks", "-", "--delete")
	assert.Contains(t, out, "gc=1")
	assert.Equal(t, "false\n", env.mustRun("", "exists", dead))
	assert.Equal(t, "true\n", env.mustRun("", "exists", live))
}

func TestCacheClear(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("hello", "put", "-")
	env.mustRun("", "cache", "clear")

	out := env.mustRun("", "stat", "--store", "docs", "--json")
	var infos []storeInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].Cache)
	assert.Equal(t, 0, infos[0].Cache.Entries)

	_, err := env.run("", "cache", "clear", "--store", "ids")
	assert.EqualError(t, err, "store ids has no cache")
}

func TestInvalidLogLevel(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), []string{"stat", "--data-dir", t.TempDir(), "--log-level", "loud"}, strings.NewReader(""), &out, &out)
	assert.EqualError(t, err, `invalid log level "loud"`)
}
