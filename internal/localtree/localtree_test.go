package localtree

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/cachebridge/internal/rawstore"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

func newTestTree(t *testing.T) *LocalTree {
	t.Helper()
	root := t.TempDir()
	raw, err := rawstore.New(root)
	require.NoError(t, err)
	wt, err := worktree.New(root, "", "session-1")
	require.NoError(t, err)
	return New(raw, wt)
}

func TestCreateFile_WritesContentAndSidecar(t *testing.T) {
	tr := newTestTree(t)

	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	defer lf.Close()

	_, err = lf.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, lf.Flush())

	assert.True(t, lf.Created())
}

func TestOpen_ComposesContentAndSidecar(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	opened, err := tr.Open("/doc.txt")
	require.NoError(t, err)
	defer opened.Close()
	assert.True(t, opened.Created())
}

func TestList_OmitsSidecarDirectory(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	entries, err := tr.List("/")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".aem", e.Path())
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "/doc.txt", entries[0].Path())
}

func TestDelete_RemovesContentAndSidecar(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	require.NoError(t, tr.Delete("/doc.txt"))
	assert.False(t, tr.Exists("/doc.txt"))
	_, err = tr.work.ReadSidecar("/doc.txt")
	assert.Error(t, err)
}

func TestDeleteDirectory_EmptyDirectory(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.raw.CreateDir("/empty"))
	require.NoError(t, tr.DeleteDirectory("/empty"))
	assert.False(t, tr.raw.Exists("/empty"))
}

func TestDeleteDirectory_NonEmptyDelegatesToRecursive(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/dir/f.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	require.NoError(t, tr.DeleteDirectory("/dir"))
	assert.False(t, tr.raw.Exists("/dir"))
}

func TestRename_ReconcilesSidecars(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/old.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	renamed, err := tr.Rename("/old.txt", "/new.txt")
	require.NoError(t, err)
	defer renamed.Close()

	assert.False(t, tr.Exists("/old.txt"))
	assert.True(t, tr.Exists("/new.txt"))
	assert.True(t, renamed.Created())
}

func TestRenameExt_WithRemoteInfo_ClearsCreatedFlag(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/old.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	remote := &worktree.RemoteInfo{LastModified: time.Now(), Created: time.Now()}
	renamed, err := tr.RenameExt("/old.txt", "/new.txt", remote)
	require.NoError(t, err)
	defer renamed.Close()

	assert.False(t, renamed.Created())
}

func TestCanDelete_DirectoriesAndTempAlwaysTrue(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.raw.CreateDir("/dir"))
	dirNode, err := tr.Open("/dir")
	require.NoError(t, err)
	assert.True(t, tr.CanDelete(dirNode))

	lf, err := tr.CreateFile("/.tempfile")
	require.NoError(t, err)
	require.NoError(t, lf.Close())
	tempNode, err := tr.Open("/.tempfile")
	require.NoError(t, err)
	assert.True(t, tr.CanDelete(tempNode))
}

func TestCanDelete_LocallyCreatedIsNotSafeToEvict(t *testing.T) {
	tr := newTestTree(t)
	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	opened, err := tr.Open("/doc.txt")
	require.NoError(t, err)
	defer opened.Close()
	assert.False(t, tr.CanDelete(opened))
}

func TestCanDelete_UnmodifiedCachedFileWithRemoteIsSafe(t *testing.T) {
	tr := newTestTree(t)
	content, err := tr.raw.Create("/doc.txt")
	require.NoError(t, err)
	remote := &worktree.RemoteInfo{LastModified: time.Now(), Created: time.Now()}
	lf, err := tr.CreateFromSource("/doc.txt", content, remote, false)
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	opened, err := tr.Open("/doc.txt")
	require.NoError(t, err)
	defer opened.Close()
	assert.True(t, tr.CanDelete(opened))
}

func TestDownload_MaterializesContentAndSidecar(t *testing.T) {
	tr := newTestTree(t)
	remote := worktree.RemoteInfo{LastModified: time.Now(), Created: time.Now()}

	fetch := func(ctx context.Context, w io.Writer) error {
		_, err := io.Copy(w, bytes.NewBufferString("remote bytes"))
		return err
	}

	lf, err := tr.Download(context.Background(), "/cached.txt", remote, fetch)
	require.NoError(t, err)
	defer lf.Close()

	assert.False(t, lf.Created())
	assert.False(t, tr.work.IsDownloading("/cached.txt"))

	data, err := io.ReadAll(lf)
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(data))
}

func TestDownload_SecondCallerWaitsInsteadOfRefetching(t *testing.T) {
	tr := newTestTree(t)
	remote := worktree.RemoteInfo{LastModified: time.Now(), Created: time.Now()}

	require.NoError(t, tr.work.SetDownloading("/cached.txt", true))

	fetchCalled := make(chan struct{}, 1)
	fetch := func(ctx context.Context, w io.Writer) error {
		fetchCalled <- struct{}{}
		_, err := io.Copy(w, bytes.NewBufferString("should not run"))
		return err
	}

	done := make(chan struct{})
	var lf *LocalFile
	var downloadErr error
	go func() {
		lf, downloadErr = tr.Download(context.Background(), "/cached.txt", remote, fetch)
		close(done)
	}()

	select {
	case <-fetchCalled:
		t.Fatal("Download started a second fetch instead of waiting on the in-progress one")
	case <-time.After(50 * time.Millisecond):
	}

	content, err := tr.raw.Create("/cached.txt")
	require.NoError(t, err)
	_, err = content.Write([]byte("winner bytes"))
	require.NoError(t, err)
	require.NoError(t, content.Close())
	require.NoError(t, tr.writeSidecarForSource("/cached.txt", &remote, false))
	require.NoError(t, tr.work.SetDownloading("/cached.txt", false))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Download never returned after the in-progress download finished")
	}

	require.NoError(t, downloadErr)
	defer lf.Close()
	assert.False(t, tr.work.IsDownloading("/cached.txt"))
}

func TestInfoOnlyMode_WritesAreNoOps(t *testing.T) {
	root := t.TempDir()
	raw, err := rawstore.New(root)
	require.NoError(t, err)
	wt, err := worktree.New(root, "", "session-1")
	require.NoError(t, err)
	tr := New(raw, wt, WithInfoOnly(true))

	lf, err := tr.CreateFile("/doc.txt")
	require.NoError(t, err)
	defer lf.Close()

	n, err := lf.Write([]byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, len("ignored"), n)
	assert.NoError(t, lf.SetLength(0))
	assert.NoError(t, lf.Flush())
}
