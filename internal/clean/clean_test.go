package clean

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobInRunDirIncludesAllowedSymlinkDir(t *testing.T) {
	runDir := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "a.log"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(runDir, "link")))

	matches, err := GlobInRunDir(runDir, "link/*", []string{filepath.Join(runDir, "link")})
	require.NoError(t, err)
	assert.Contains(t, matches, filepath.Join(runDir, "link", "a.log"))
}

func TestGlobInRunDirExcludesDisallowedSymlinkDir(t *testing.T) {
	runDir := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "a.log"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(runDir, "link")))

	matches, err := GlobInRunDir(runDir, "link/*", nil)
	require.NoError(t, err)
	assert.Empty(t, matches, "a non-standard symlink dir's contents must not be followed")
}

func TestGlobInRunDirSortsResults(t *testing.T) {
	runDir := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(runDir, name), []byte("x"), 0o644))
	}

	matches, err := GlobInRunDir(runDir, "*.txt", nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.True(t, matches[0] < matches[1] && matches[1] < matches[2])
}

func TestCleanUsingGlobRemovesMatchedFile(t *testing.T) {
	runDir := t.TempDir()
	path := filepath.Join(runDir, "foo.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, CleanUsingGlob(runDir, "foo.txt", nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanUsingGlobRemovesSymlinkAndItsTarget(t *testing.T) {
	runDir := t.TempDir()
	target := t.TempDir()
	marker := filepath.Join(target, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
	link := filepath.Join(runDir, "share")
	require.NoError(t, os.Symlink(target, link))

	require.NoError(t, CleanUsingGlob(runDir, "share", []string{"share"}))

	_, err := os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "the symlink itself should be removed")
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "the symlink's target directory should be removed too")
}

func TestCleanUsingGlobNoMatchesIsNotAnError(t *testing.T) {
	runDir := t.TempDir()
	assert.NoError(t, CleanUsingGlob(runDir, "nothing-here", nil))
}

func TestCleanWholesaleRemovesTopLevelEntries(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "foo.txt"), []byte("x"), 0o644))

	require.NoError(t, Clean(runDir, nil, nil))
	_, err := os.Stat(filepath.Join(runDir, "foo.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanTargetedOnlyRemovesNamedEntries(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "drop.txt"), []byte("x"), 0o644))

	require.NoError(t, Clean(runDir, []string{"drop.txt"}, nil))

	_, err := os.Stat(filepath.Join(runDir, "drop.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(runDir, "keep.txt"))
	assert.NoError(t, err, "a targeted clean must not remove entries outside rmDirs")
}

func TestRemoteCleanCmdIncludesRmFlagsPerDir(t *testing.T) {
	cmd := RemoteCleanCmd("myflow", []string{"share", "work"}, 60)
	assert.Equal(t, []string{"cylc", "clean", "--local-only", "myflow", "--rm", "share", "--rm", "work"}, cmd)
}

func TestRemoteCleanSucceedsOnFirstPlatform(t *testing.T) {
	err := RemoteClean(context.Background(), "myflow", map[string][]string{"target1": {"hostA"}}, nil, 60,
		func(ctx context.Context, installTarget string, cmd []string) (int, error) {
			assert.Equal(t, "hostA", installTarget)
			return 0, nil
		})
	assert.NoError(t, err)
}

func TestRemoteCleanRetriesNextPlatformOnCannotConnect(t *testing.T) {
	calls := 0
	err := RemoteClean(context.Background(), "myflow", map[string][]string{"target1": {"hostA", "hostB"}}, nil, 60,
		func(ctx context.Context, installTarget string, cmd []string) (int, error) {
			calls++
			if installTarget == "hostA" {
				return cannotConnectRC, nil
			}
			return 0, nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRemoteCleanFailsWhenEveryPlatformUnreachable(t *testing.T) {
	err := RemoteClean(context.Background(), "myflow", map[string][]string{"target1": {"hostA", "hostB"}}, nil, 60,
		func(ctx context.Context, installTarget string, cmd []string) (int, error) {
			return cannotConnectRC, nil
		})
	assert.Error(t, err)
}

func TestRemoteCleanSurfacesNonZeroExitOtherThanCannotConnect(t *testing.T) {
	err := RemoteClean(context.Background(), "myflow", map[string][]string{"target1": {"hostA"}}, nil, 60,
		func(ctx context.Context, installTarget string, cmd []string) (int, error) {
			return 1, nil
		})
	assert.Error(t, err)
}
