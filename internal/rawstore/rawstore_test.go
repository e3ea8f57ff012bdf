package rawstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOpenReadWrite(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := s.Create("/doc")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.True(t, s.Exists("/doc"))

	rf, err := s.OpenRead("/doc")
	require.NoError(t, err)
	defer rf.Close()
	data, err := io.ReadAll(rf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCreate_AlreadyExists(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("/doc")
	require.NoError(t, err)

	_, err = s.Create("/doc")
	assert.Error(t, err)
}

func TestDeleteThenList(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := s.Create("/x")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	nodes, err := s.List("/")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	require.NoError(t, s.Delete("/x"))
	nodes, err = s.List("/")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRename(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := s.Create("/old")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Rename("/old", "/new"))
	assert.False(t, s.Exists("/old"))
	assert.True(t, s.Exists("/new"))
}

func TestCreateFromReader(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.CreateFromReader("/fetched", bytes.NewBufferString("remote bytes")))

	rf, err := s.OpenRead("/fetched")
	require.NoError(t, err)
	defer rf.Close()
	data, err := io.ReadAll(rf)
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(data))
}

func TestList_MissingDirectory_ReturnsEmptyNotError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	nodes, err := s.List("/nope")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
