package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/paths"
)

// Shell used to run rendered build scripts on the host.
const scriptShell = "/bin/sh"

// Runs a rendered script on the host and streams its output to the log.
//
// The script is executed with "sh -e", so the first failing command aborts
// the build. Stdout and stderr are merged and forwarded line by line to
// req.Log. A non-zero exit code is returned in the report, not as an error.
// Context cancellation kills the script and everything it spawned.
func runScript(ctx context.Context, req Request, env []string) (*Report, error) {
	if err := os.MkdirAll(req.ArtifactDir, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(ErrEngine, err.Error())
	}

	// The script lives outside the workdir so engines that archive the
	// staged tree ship only the package's own sources.
	scriptPath, err := writeScript(req.Script)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, scriptShell, "-e", scriptPath)
	cmd.Dir = req.Workdir
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env,
		"APEX_BUILD_ID="+req.BuildID,
		"APEX_ARTIFACT_DIR="+req.ArtifactDir,
	)

	// The script runs in its own process group and cancellation kills the
	// whole group. Killing only sh would leave its children holding the
	// output pipe, and Wait would block until the last of them exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(ErrEngine, err.Error())
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(ErrEngine, err.Error())
	}

	streamLines(stdout, req.Log)

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, errors.Wrap(ErrEngine, err.Error())
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Debug("script finished",
		"build", req.BuildID,
		"exit", exitCode,
		"duration", time.Since(start),
	)

	return &Report{
		ExitCode: exitCode,
		Artifact: findArtifact(req.ArtifactDir),
		Duration: time.Since(start),
	}, nil
}

// Writes a rendered script to a temp file and returns its path. The caller
// removes the file once the script has run.
func writeScript(script string) (string, error) {
	f, err := os.CreateTemp("", "apex-build-*.sh")
	if err != nil {
		return "", errors.Wrap(ErrEngine, err.Error())
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(ErrEngine, err.Error())
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(ErrEngine, err.Error())
	}
	return f.Name(), nil
}

// Copies script output to the log one line at a time.
func streamLines(r io.Reader, log io.Writer) {
	if log == nil {
		log = io.Discard
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(log, scanner.Text())
	}
}

// Picks the build's primary artifact out of the artifact directory.
//
// When the directory contains exactly one entry that entry is the artifact.
// With multiple entries the newest regular file wins; scripts that produce
// several outputs should bundle them. Returns "" when nothing was produced.
func findArtifact(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return ""
	}

	if len(entries) == 1 {
		return filepath.Join(dir, entries[0].Name())
	}

	var (
		newest     string
		newestTime time.Time
	)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, entry.Name())
			newestTime = info.ModTime()
		}
	}
	return newest
}
