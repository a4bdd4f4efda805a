package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lwhitby/sift/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HashFile_DeterministicForSameContent(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(pathA, []byte("identical content"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("identical content"), 0o644))

	hashA, err := catalog.HashFile(pathA)
	require.NoError(t, err)
	hashB, err := catalog.HashFile(pathB)
	require.NoError(t, err)

	assert.NotEmpty(t, hashA)
	assert.Equal(t, hashA, hashB, "fingerprint depends on content, not path")
}

func Test_HashFile_ChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o644))

	before, err := catalog.HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("after"), 0o644))
	after, err := catalog.HashFile(path)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func Test_HashFile_MissingFile(t *testing.T) {
	_, err := catalog.HashFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
