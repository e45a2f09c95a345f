package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/handoff/internal/faults"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func byID(r *Report) map[string]Check {
	out := make(map[string]Check)
	for _, c := range r.Checks {
		out[c.ID] = c
	}
	return out
}

func TestCheckSourceTree_Healthy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"acme","scripts":{"build":"vite build"}}`)
	writeFile(t, dir, "package-lock.json", `{}`)

	r, err := NewFSChecker(200).CheckSourceTree(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, r.Checks, 5)
	assert.Empty(t, r.Blocking())
	assert.Empty(t, r.Warnings())
	assert.NoError(t, r.Err())
}

func TestCheckSourceTree_MissingManifestBlocks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	r, err := NewFSChecker(200).CheckSourceTree(context.Background(), dir)
	require.NoError(t, err)

	checks := byID(r)
	assert.False(t, checks["manifest"].Passed)
	assert.False(t, checks["build-script"].Passed)
	assert.Len(t, r.Blocking(), 2)

	fe, ok := faults.As(r.Err())
	require.True(t, ok)
	assert.Equal(t, faults.KindConfiguration, fe.Kind)
	assert.Equal(t, faults.CodePreflightFailed, fe.Code)
}

func TestCheckSourceTree_MissingBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"acme","scripts":{"dev":"vite"}}`)

	r, err := NewFSChecker(200).CheckSourceTree(context.Background(), dir)
	require.NoError(t, err)
	checks := byID(r)
	assert.True(t, checks["manifest"].Passed)
	assert.False(t, checks["build-script"].Passed)
	assert.True(t, checks["build-script"].IsBlocker)
}

func TestCheckSourceTree_Warnings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"next build"}}`)
	writeFile(t, dir, ".env", "SECRET=1")
	writeFile(t, dir, "big.bin", string(make([]byte, 2<<20)))
	writeFile(t, dir, "node_modules/huge.bin", string(make([]byte, 4<<20)))

	c := &FSChecker{MaxSizeBytes: 1 << 20}
	r, err := c.CheckSourceTree(context.Background(), dir)
	require.NoError(t, err)

	checks := byID(r)
	assert.False(t, checks["lockfile"].Passed)
	assert.False(t, checks["env-file"].Passed)
	assert.False(t, checks["size"].Passed)
	assert.Empty(t, r.Blocking())
	assert.Len(t, r.Warnings(), 3)
}

func TestCheckSourceTree_NodeModulesNotCounted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"x"}}`)
	writeFile(t, dir, "node_modules/huge.bin", string(make([]byte, 2<<20)))

	r, err := (&FSChecker{MaxSizeBytes: 1 << 20}).CheckSourceTree(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, byID(r)["size"].Passed)
}

func TestCheckSourceTree_MissingDir(t *testing.T) {
	_, err := NewFSChecker(0).CheckSourceTree(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))
}
