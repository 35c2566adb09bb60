package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "liveserve.yaml"), []byte("x"), 0666))

	found, err := FindUp("liveserve.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "liveserve.yaml"), found)

	found, err = FindUp("does-not-exist-anywhere.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, "", found)
}
