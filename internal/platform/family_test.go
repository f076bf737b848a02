package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOSRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	contents := "ID=steamos\nID_LIKE=\"arch\"\nVERSION_ID=\"3.5\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	release, err := ParseOSRelease(path)
	require.NoError(t, err)
	require.Equal(t, "steamos", release.ID)
	require.Equal(t, []string{"arch"}, release.IDLike)
	require.Equal(t, "3.5", release.VersionID)
}

func TestParseOSRelease_MissingFile(t *testing.T) {
	_, err := ParseOSRelease(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestParseOSRelease_IgnoresCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	contents := "# a comment\n\nID=nixos\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	release, err := ParseOSRelease(path)
	require.NoError(t, err)
	require.Equal(t, "nixos", release.ID)
}
