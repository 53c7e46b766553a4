package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/pkg/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Directory inside the container that build scripts are written to.
const scriptDir = "/run/apex"

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Copies a rendered build script into the container and executes it.
//
// The script is streamed in as a tar archive, made executable, and run via
// "sh -e" so the first failing command aborts the build, with workdir as its
// working directory. Stdout and stderr are merged onto the log writer.
// Returns the script's exit code; a non-zero code is not an error.
func (c *Container) RunScript(ctx context.Context, script, workdir string, env []string, log io.Writer) (int, error) {
	scriptPath := path.Join(scriptDir, "build.sh")

	if err := c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", scriptDir); err != nil {
		return 0, err
	}
	if err := c.CopyTo(ctx, scriptTar("build.sh", script), scriptDir); err != nil {
		return 0, err
	}

	pspec, err := c.buildProcessSpec(ctx, env, workdir, "sh", "-e", scriptPath)
	if err != nil {
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	if log == nil {
		log = io.Discard
	}
	out := &syncWriter{w: log}

	return c.execProcess(ctx, pspec, nil, out, out)
}

// Packs a single script file into an in-memory tar stream.
func scriptTar(name, content string) io.Reader {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0755,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	})
	tw.Write([]byte(content))
	tw.Close()
	return &buf
}

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to
// "tar xf - -C destDir" inside the container.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Runs a command inside the container, returning an error that includes
// desc if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	pspec, err := c.buildProcessSpec(ctx, nil, "", args...)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	var stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, stdin, stdout, &stderr)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return errors.Wrapf(ErrRuntime, "%s failed with exit code %d (%s)",
			desc, exitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Builds an OCI process spec for running a command inside the container.
//
// The base values are copied from the container's own OCI spec, then env
// and workdir are overridden if provided.
func (c *Container) buildProcessSpec(ctx context.Context, env []string, workdir string, args ...string) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, entry := range overrides {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	return result
}

// Starts a process inside the container's running task, waits for it to
// exit, and returns the exit code.
//
// The process is attached to the task as an additional exec, which requires
// the long-running task started during container creation. Nil streams are
// replaced with io.Discard (stdout/stderr) or left disconnected (stdin).
// A non-zero exit code is not treated as an error; the caller decides.
//
// When stdin is provided, the container's stdin is explicitly closed after
// the reader returns EOF so the exec process receives the EOF signal. The
// containerd shim holds both ends of the stdin FIFO open and will not
// propagate EOF on its own.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// Wrap stdin to detect when the reader returns EOF.
	var stdinDone <-chan struct{}
	if stdin != nil {
		dr := newDoneReader(stdin)
		stdin = dr
		stdinDone = dr.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	return awaitProcess(ctx, process, stdinDone)
}

// Waits for an exec process to exit and returns the exit code.
//
// If stdinDone is non-nil, the process stdin is closed when the channel
// fires so the exec process receives EOF. The process is always deleted
// before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	if stdinDone != nil {
		go func() {
			<-stdinDone
			process.CloseIO(ctx, containerd.WithStdinCloser)
		}()
	}

	exitStatus := <-statusC
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, errors.Wrap(ErrRuntime, err.Error())
	}

	return int(code), nil
}

// Serializes concurrent writes from the stdout and stderr FIFOs onto one
// underlying writer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
