package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOpener struct {
	reqs []OpenRequest
	err  error
}

func (r *recordingOpener) Open(_ context.Context, req OpenRequest) error {
	r.reqs = append(r.reqs, req)
	return r.err
}

func setup(t *testing.T, content string) (artifact, share string) {
	t.Helper()
	dir := t.TempDir()
	artifact = filepath.Join(dir, "downloads", "update.deb")
	share = filepath.Join(dir, "share")
	if content != "" {
		require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
		require.NoError(t, os.WriteFile(artifact, []byte(content), 0o644))
	}
	return artifact, share
}

func TestInstallMissingArtifact(t *testing.T) {
	artifact, share := setup(t, "")
	op := &recordingOpener{}

	err := NewLauncher(artifact, share, "application/vnd.debian.binary-package", op).Install(context.Background())

	var ie *InstallError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, InstallNotFound, ie.Kind)
	assert.Empty(t, op.reqs, "opener must not be called")
}

func TestInstallSharesContentAddressedCopy(t *testing.T) {
	artifact, share := setup(t, "package-bytes")
	op := &recordingOpener{}

	require.NoError(t, NewLauncher(artifact, share, "application/vnd.debian.binary-package", op).Install(context.Background()))
	require.Len(t, op.reqs, 1)

	req := op.reqs[0]
	assert.True(t, req.GrantRead)
	assert.Equal(t, "application/vnd.debian.binary-package", req.MimeType)
	assert.NotEqual(t, artifact, req.Ref.Path, "raw download path must not be handed out")
	assert.True(t, strings.HasPrefix(req.Ref.URI, "content://breeze-updater/"+req.Ref.Digest+"/"))
	assert.True(t, strings.HasSuffix(req.Ref.URI, "/update.deb"))
	assert.Len(t, req.Ref.Digest, 64)
	assert.Equal(t, filepath.Join(share, req.Ref.Digest, "update.deb"), req.Ref.Path)

	info, err := os.Stat(req.Ref.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	got, err := os.ReadFile(req.Ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "package-bytes", string(got))
}

func TestInstallOpenerFailureIsLaunchFailed(t *testing.T) {
	artifact, share := setup(t, "pkg")
	op := &recordingOpener{err: errors.New("no installer registered for application/x-msi")}

	err := NewLauncher(artifact, share, "application/x-msi", op).Install(context.Background())

	var ie *InstallError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, InstallLaunchFailed, ie.Kind)
	assert.Contains(t, ie.Message, "no installer registered")
}

func TestShareIsStableForSameContent(t *testing.T) {
	artifact, share := setup(t, "same")
	l := NewLauncher(artifact, share, "application/x-msi", &recordingOpener{})

	first, err := l.Share()
	require.NoError(t, err)
	second, err := l.Share()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPruneKeepsMostRecentShare(t *testing.T) {
	artifact, share := setup(t, "old")
	l := NewLauncher(artifact, share, "application/x-msi", &recordingOpener{})

	old, err := l.Share()
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Dir(old.Path), past, past))

	require.NoError(t, os.Remove(artifact))
	require.NoError(t, os.WriteFile(artifact, []byte("new"), 0o644))
	latest, err := l.Share()
	require.NoError(t, err)
	require.NotEqual(t, old.Digest, latest.Digest)

	require.NoError(t, l.Prune())

	_, err = os.Stat(old.Path)
	assert.True(t, os.IsNotExist(err), "old share should be pruned")
	_, err = os.Stat(latest.Path)
	assert.NoError(t, err, "latest share must survive")
}

func TestPruneWithoutShareDir(t *testing.T) {
	l := NewLauncher("x", filepath.Join(t.TempDir(), "missing"), "application/x-msi", &recordingOpener{})
	assert.NoError(t, l.Prune())
}

func TestExpandArgs(t *testing.T) {
	req := OpenRequest{
		Ref:      Reference{Path: "/share/abc/u.deb", URI: "content://breeze-updater/abc/u.deb"},
		MimeType: "application/vnd.debian.binary-package",
	}
	got := expandArgs([]string{"pkexec", "apt-get", "install", "-y", "{path}", "--uri={uri}", "{mime}"}, req)
	assert.Equal(t, []string{
		"pkexec", "apt-get", "install", "-y", "/share/abc/u.deb",
		"--uri=content://breeze-updater/abc/u.deb", "application/vnd.debian.binary-package",
	}, got)
}

func TestCommandOpenerMissingBinary(t *testing.T) {
	err := CommandOpener{Argv: []string{"definitely-not-a-real-installer-binary"}}.Open(context.Background(), OpenRequest{})
	assert.Error(t, err)
}

func TestNewOpenerSelection(t *testing.T) {
	assert.IsType(t, CommandOpener{}, NewOpener([]string{"dpkg", "-i", "{path}"}))
	assert.IsType(t, ExecOpener{}, NewOpener(nil))
}
