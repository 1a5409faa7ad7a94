package image

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTarball(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

func TestPrepareExtractsFiles(t *testing.T) {
	tarball := buildTarball(t, map[string]string{
		"etc/hostname": "quilt\n",
		"bin/true":     "#!/bin/sh\nexit 0\n",
	})
	target := filepath.Join(t.TempDir(), "rootfs")

	require.NoError(t, Prepare(tarball, target, ""))

	data, err := os.ReadFile(filepath.Join(target, "etc/hostname"))
	require.NoError(t, err)
	require.Equal(t, "quilt\n", string(data))
}

func TestPrepareRejectsPathTraversal(t *testing.T) {
	tarball := buildTarball(t, map[string]string{
		"../../etc/passwd": "root:x:0:0\n",
	})
	target := filepath.Join(t.TempDir(), "rootfs")

	err := Prepare(tarball, target, "")
	require.Error(t, err)
}

func TestPrepareRejectsAbsolutePath(t *testing.T) {
	tarball := buildTarball(t, map[string]string{
		"/etc/passwd": "root:x:0:0\n",
	})
	target := filepath.Join(t.TempDir(), "rootfs")

	err := Prepare(tarball, target, "")
	require.Error(t, err)
}

func TestPrepareIsIdempotent(t *testing.T) {
	tarball := buildTarball(t, map[string]string{"a": "1"})
	target := filepath.Join(t.TempDir(), "rootfs")

	require.NoError(t, Prepare(tarball, target, ""))
	marker := filepath.Join(target, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("untouched"), 0644))

	require.NoError(t, Prepare(tarball, target, ""))

	_, err := os.Stat(marker)
	require.NoError(t, err, "second Prepare with an identical source should not re-extract")
}

func TestFixupShellReplacesMissing(t *testing.T) {
	tarball := buildTarball(t, map[string]string{
		"bin/.keep": "x",
	})
	target := filepath.Join(t.TempDir(), "rootfs")
	shell := filepath.Join(t.TempDir(), "static-sh")
	require.NoError(t, os.WriteFile(shell, []byte("#!/bin/sh\n"), 0755))

	require.NoError(t, Prepare(tarball, target, shell))

	info, err := os.Lstat(filepath.Join(target, "bin/sh"))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())
}
