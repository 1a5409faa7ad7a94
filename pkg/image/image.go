// Package image extracts a gzipped tar rootfs into a container-scoped
// directory (C4). Path-traversal rejection follows the
// Clean-then-HasPrefix check used for untrusted archive members in
// the retrieved pack (see apex-build-platform's container preview
// server, which rejects any extracted path falling outside its temp
// directory the same way before writing a file to disk).
package image

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/quilt-run/quilt/pkg/quilterrors"
)

const stampFile = ".quilt-image-stamp"

// shellCandidates are the canonical shell paths C4 checks for a
// working binary before falling back to the embedded static shell.
var shellCandidates = []string{"/bin/sh", "/usr/bin/sh"}

// stamp records enough about the source tarball to detect "this
// target already holds this exact image" without re-extracting.
type stamp struct {
	Size    int64  `json:"size"`
	ModUnix int64  `json:"mod_unix"`
	SHA256  string `json:"sha256"`
}

// Prepare extracts tarballPath into targetDir, reusing targetDir as-is
// if its stamp matches the source (size, mtime, hash) — the
// idempotency guarantee spec §4.4 requires. staticShellPath is an
// externally provided statically linked shell bound over /bin/sh when
// the image's own shell is missing or a dangling symlink.
func Prepare(tarballPath, targetDir, staticShellPath string) error {
	info, err := os.Stat(tarballPath)
	if err != nil {
		return quilterrors.Wrap(quilterrors.BadArgument, "stat image tarball", err)
	}

	want, err := computeStamp(tarballPath, info)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "compute image stamp", err)
	}

	if existing, err := readStamp(targetDir); err == nil && existing == want {
		return nil
	}

	if err := os.RemoveAll(targetDir); err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "clear stale rootfs", err)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "create rootfs dir", err)
	}

	if err := extract(tarballPath, targetDir); err != nil {
		return err
	}

	if err := fixupShell(targetDir, staticShellPath); err != nil {
		return err
	}

	return writeStamp(targetDir, want)
}

func computeStamp(path string, info os.FileInfo) (stamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return stamp{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return stamp{}, err
	}

	return stamp{
		Size:    info.Size(),
		ModUnix: info.ModTime().Unix(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func readStamp(targetDir string) (stamp, error) {
	data, err := os.ReadFile(filepath.Join(targetDir, stampFile))
	if err != nil {
		return stamp{}, err
	}
	var s stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return stamp{}, err
	}
	return s, nil
}

func writeStamp(targetDir string, s stamp) error {
	data, err := json.Marshal(s)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "marshal stamp", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, stampFile), data, 0644); err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "write stamp", err)
	}
	return nil
}

// extract unpacks a gzipped POSIX tar into targetDir, rejecting any
// member whose cleaned path would land outside targetDir (spec §6:
// "paths outside the tar root are rejected").
func extract(tarballPath, targetDir string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return quilterrors.Wrap(quilterrors.BadArgument, "open image tarball", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return quilterrors.Wrap(quilterrors.BadArgument, "open gzip stream", err)
	}
	defer gz.Close()

	cleanTarget := filepath.Clean(targetDir)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return quilterrors.Wrap(quilterrors.BadArgument, "read tar entry", err)
		}

		dest, err := safeJoin(cleanTarget, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				return quilterrors.Wrap(quilterrors.Internal, "mkdir "+hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return quilterrors.Wrap(quilterrors.Internal, "mkdir parent of symlink", err)
			}
			_ = os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return quilterrors.Wrap(quilterrors.Internal, "symlink "+hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return quilterrors.Wrap(quilterrors.Internal, "mkdir parent of "+hdr.Name, err)
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return quilterrors.Wrap(quilterrors.Internal, "create "+hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return quilterrors.Wrap(quilterrors.Internal, "write "+hdr.Name, err)
			}
			out.Close()
		}
	}
}

// safeJoin rejects absolute paths and ".." components before joining
// name under root, returning BadArgument rather than silently
// clamping — a crafted tarball entry that would escape root is a
// validation failure, not something to "fix up."
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", quilterrors.BadArgumentf("tar entry %q is an absolute path", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", quilterrors.BadArgumentf("tar entry %q escapes the archive root", name)
	}
	joined := filepath.Join(root, cleaned)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", quilterrors.BadArgumentf("tar entry %q escapes the archive root", name)
	}
	return joined, nil
}

// fixupShell replaces a missing or dangling /bin/sh (or /usr/bin/sh)
// with the embedded static shell so basic exec works even in images
// that ship no working shell (spec §4.4).
func fixupShell(rootfs, staticShellPath string) error {
	if staticShellPath == "" {
		return nil
	}

	for _, candidate := range shellCandidates {
		path := filepath.Join(rootfs, candidate)
		if workingBinary(path) {
			return nil
		}
	}

	dest := filepath.Join(rootfs, shellCandidates[0])
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "mkdir /bin", err)
	}
	_ = os.Remove(dest)

	src, err := os.Open(staticShellPath)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "open static shell", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "create /bin/sh", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return quilterrors.Wrap(quilterrors.Internal, "copy static shell", err)
	}
	return nil
}

// workingBinary reports whether path exists, and if it's a symlink,
// that the link target also exists (a non-dangling symlink).
func workingBinary(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return true
	}
	_, err = os.Stat(path) // follows the link; fails if dangling
	return err == nil
}
