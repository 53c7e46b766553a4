package source

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/paths"
)

// Copies a local source tree into a build workspace.
//
// The destination directory is created if needed. Symlinks are copied as
// links; file modes are preserved. src must be a directory.
func Stage(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(ErrStage, err.Error())
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrStage, "source %s is not a directory", src)
	}

	if err := os.MkdirAll(dst, paths.DefaultDirMode); err != nil {
		return errors.Wrap(ErrStage, err.Error())
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, paths.DefaultDirMode)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, d)
		}
	})
	if err != nil {
		return errors.Wrap(ErrStage, err.Error())
	}
	return nil
}

// Copies a single regular file, preserving its mode.
func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Computes the hex-encoded SHA-256 checksum of a file or directory tree.
//
// Directory artifacts (staged environments, unpacked bundles) are hashed by
// feeding each regular file's slash-separated relative path and content into
// the digest in lexical walk order, so the result is stable across hosts.
func Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(ErrChecksum, err.Error())
	}

	h := sha256.New()
	if info.IsDir() {
		err = hashTree(h, path)
	} else {
		err = hashFile(h, path)
	}
	if err != nil {
		return "", errors.Wrap(ErrChecksum, err.Error())
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(h, f)
	return err
}

// Hashes every regular file under root. Symlinks and other special entries
// carry no content and are skipped.
func hashTree(h hash.Hash, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})

		return hashFile(h, path)
	})
}
