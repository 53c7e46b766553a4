package source

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Creates a gzip-compressed source tarball of a directory tree.
//
// Entries are rooted at the directory's base name, so extracting the
// tarball reproduces a single top-level directory. The output file is
// removed on failure.
func Tarball(srcDir, outPath string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return errors.Wrap(ErrArchive, err.Error())
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrArchive, "source %s is not a directory", srcDir)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(ErrArchive, err.Error())
	}

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	if err := writeDirToTar(tw, srcDir, filepath.Base(srcDir)); err != nil {
		tw.Close()
		gw.Close()
		f.Close()
		os.Remove(outPath)
		return errors.Wrap(ErrArchive, err.Error())
	}

	if err := tw.Close(); err != nil {
		f.Close()
		return errors.Wrap(ErrArchive, err.Error())
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return errors.Wrap(ErrArchive, err.Error())
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(ErrArchive, err.Error())
	}
	return nil
}

// Streams a directory tree as an uncompressed tar archive.
//
// Entries are rooted at ".", so extracting the stream into a directory
// reproduces the tree in place. The returned reader ends with the archive
// error, if any, when the tree cannot be fully written.
func TarStream(srcDir string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		if err := writeDirToTar(tw, srcDir, "."); err != nil {
			pw.CloseWithError(errors.Wrap(ErrArchive, err.Error()))
			return
		}
		pw.CloseWithError(tw.Close())
	}()
	return pr
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, rel))
		return writeTarEntry(tw, path, archivePath, d)
	})
}

// Writes a single file or directory entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
