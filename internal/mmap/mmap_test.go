//go:build !windows

package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 6, m.Size())
	require.Equal(t, []byte("abcdef"), m.Bytes())

	p := make([]byte, 3)
	n, err := m.ReadAt(p, 2)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte("cde"), p)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 0, m.Size())
	require.NoError(t, m.Close())
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.Nil(t, m.Bytes())
	_, err = m.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReadAtBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(make([]byte, 1), -1)
	require.ErrorIs(t, err, ErrInvalidOffset)

	_, err = m.ReadAt(make([]byte, 1), 3)
	require.ErrorIs(t, err, io.EOF)

	n, err := m.ReadAt(make([]byte, 5), 1)
	require.Equal(t, 2, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestSharedSegment(t *testing.T) {
	name := "hps-test-seg"
	seg, err := OpenShared(name, 4096)
	require.NoError(t, err)

	require.Equal(t, name, seg.Name())
	require.Equal(t, 4096, seg.Size())

	data := seg.Bytes()
	require.Len(t, data, 4096)

	// Fresh pages are zero-filled.
	require.Equal(t, byte(0), data[0])
	require.Equal(t, byte(0), data[4095])

	data[0] = 0x7f

	// A second mapping of the same object sees the write.
	seg2, err := OpenShared(name, 4096)
	require.NoError(t, err)
	require.Equal(t, byte(0x7f), seg2.Bytes()[0])

	require.NoError(t, seg2.Close())
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())
	require.Nil(t, seg.Bytes())

	require.NoError(t, seg.Unlink())
	require.NoError(t, seg.Unlink())
}

func TestSharedSegmentNeverShrinks(t *testing.T) {
	name := "hps-test-grow"
	seg, err := OpenShared(name, 8192)
	require.NoError(t, err)
	defer func() {
		seg.Close()
		seg.Unlink()
	}()

	small, err := OpenShared(name, 4096)
	require.NoError(t, err)
	defer small.Close()
	require.Equal(t, 4096, small.Size())

	fi, err := os.Stat(filepath.Join(shmDir, name))
	require.NoError(t, err)
	require.Equal(t, int64(8192), fi.Size())
}

func TestSharedSegmentBadSize(t *testing.T) {
	_, err := OpenShared("hps-test-bad", 0)
	require.Error(t, err)
}
