package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

//go:embed prelude.py
var pyPreludeSource string

//go:embed prelude.js
var jsPreludeSource string

const pyPostludeSource = `
if _output_files:
    import json as _j
    _proto_out.write(_j.dumps({"type": "result_files", "files": _output_files}) + '\n')
    _proto_out.flush()
if _final_result is not None:
    import json as _j
    _proto_out.write(_j.dumps({"type": "result", "data": _final_result}) + '\n')
    _proto_out.flush()
`

const jsPostludeSource = `
} catch (_err) {
    console.error(_err.stack || _err.message || String(_err));
    process.exitCode = 1;
}
// Write protocol messages after user code completes.
if (_outputFiles.length > 0) {
    _protoOut.write(JSON.stringify({ type: 'result_files', files: _outputFiles }) + '\n');
}
if (_finalResult !== undefined) {
    _protoOut.write(JSON.stringify({ type: 'result', data: _finalResult }) + '\n');
}
})();
`

// maxOutputFileBytes caps a single collected output file.
const maxOutputFileBytes = 32 << 20

// runner executes code inside a session container via docker exec.
type runner struct {
	docker       *client.Client
	maxOutput    int
	callbackHost string
}

func newRunner(docker *client.Client, maxOutput int, callbackHost string) *runner {
	if maxOutput <= 0 {
		maxOutput = 512 * 1024
	}
	return &runner{docker: docker, maxOutput: maxOutput, callbackHost: callbackHost}
}

// runRequest carries parameters for a single code execution.
type runRequest struct {
	containerID string
	code        string
	runtime     string // "python" or "node"
	callbackURL string
	executionID string
	timeout     time.Duration
}

// runResult is the outcome of an execution.
type runResult struct {
	stdout   string   // JSON-encoded set_result() data
	stderr   string   // captured print() output
	exitCode int
	err      string   // timeout/process error message
	files    []string // relative paths declared via set_result(files=[...])
	gone     bool     // container no longer usable; session should be recreated
}

// run executes the given code in the session container. The script is
// wrapped by the embedded prelude, copied to /tmp inside the container,
// and run under coreutils timeout so the deadline holds even if this
// process never hears back.
func (r *runner) run(ctx context.Context, req runRequest) runResult {
	// The in-container timeout is authoritative; the local deadline is a
	// backstop for a wedged daemon.
	runCtx, cancel := context.WithTimeout(ctx, req.timeout+10*time.Second)
	defer cancel()

	var bin, prelude, postlude, ext string
	switch req.runtime {
	case "node":
		bin = "node"
		prelude = jsPreludeSource
		postlude = jsPostludeSource
		ext = ".js"
	default: // "python" or ""
		bin = "python3"
		prelude = pyPreludeSource
		postlude = pyPostludeSource
		ext = ".py"
	}

	script := prelude + "\n" + req.code + "\n" + postlude
	scriptName := "exec-" + sanitizeID(req.executionID) + ext
	scriptPath := "/tmp/" + scriptName

	archive, err := buildTar([]tarEntry{{name: scriptName, data: []byte(script)}})
	if err != nil {
		return runResult{err: "build script archive: " + err.Error(), exitCode: -1}
	}
	if err := r.docker.CopyToContainer(runCtx, req.containerID, "/tmp", archive, container.CopyToContainerOptions{}); err != nil {
		return runResult{err: "copy script: " + err.Error(), exitCode: -1, gone: containerGone(err)}
	}

	secs := int(req.timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	execResp, err := r.docker.ContainerExecCreate(runCtx, req.containerID, container.ExecOptions{
		Cmd:          []string{"timeout", strconv.Itoa(secs), bin, scriptPath},
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
		Env: []string{
			"_SANDBOX_CALLBACK_URL=" + rewriteCallback(req.callbackURL, r.callbackHost),
			"_SANDBOX_EXECUTION_ID=" + req.executionID,
			"_SANDBOX_WORKSPACE=" + workspaceDir,
		},
	})
	if err != nil {
		return runResult{err: "create exec: " + err.Error(), exitCode: -1, gone: containerGone(err)}
	}

	attach, err := r.docker.ContainerExecAttach(runCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return runResult{err: "attach exec: " + err.Error(), exitCode: -1, gone: containerGone(err)}
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf limitedWriter
	stdoutBuf.limit = r.maxOutput
	stderrBuf.limit = r.maxOutput

	copyDone := make(chan error, 1)
	go func() {
		_, cerr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- cerr
	}()

	timedOut := false
	select {
	case <-copyDone:
	case <-runCtx.Done():
		timedOut = true
		attach.Close()
		<-copyDone
	}

	var resultJSON string
	var resultFiles []string

	scanner := bufio.NewScanner(strings.NewReader(stdoutBuf.String()))
	scanner.Buffer(make([]byte, r.maxOutput), r.maxOutput)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg struct {
			Type  string   `json:"type"`
			Data  any      `json:"data"`
			Files []string `json:"files"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "result":
			b, _ := json.Marshal(msg.Data)
			resultJSON = string(b)
		case "result_files":
			resultFiles = msg.Files
		}
	}

	logs := stderrBuf.String()
	res := runResult{
		stdout: resultJSON,
		stderr: logs,
		files:  resultFiles,
	}

	if timedOut {
		res.err = fmt.Sprintf("execution timed out after %s", req.timeout)
		res.exitCode = -1
		return res
	}

	exitCode, err := r.execExitCode(execResp.ID)
	if err != nil {
		res.err = "inspect exec: " + err.Error()
		res.exitCode = -1
		return res
	}
	res.exitCode = exitCode

	switch {
	case exitCode == 124:
		// coreutils timeout killed the process.
		res.err = fmt.Sprintf("execution timed out after %s", req.timeout)
		res.exitCode = -1
	case exitCode != 0:
		// Include stderr in error for LLM self-correction.
		res.err = logs
	}
	return res
}

// execExitCode polls for the exec's exit code. The streams close on
// process exit, so the state is usually final on the first inspect.
func (r *runner) execExitCode(execID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		inspect, err := r.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// containerGone reports whether an error means the session container no
// longer exists or stopped, so the session mapping should be dropped.
func containerGone(err error) bool {
	if err == nil {
		return false
	}
	return client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running")
}

// rewriteCallback makes a host-side callback URL reachable from inside a
// container. An explicit override wins; otherwise loopback hosts are
// replaced with host.docker.internal, which session containers map to the
// host gateway.
func rewriteCallback(raw, override string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if override != "" {
		u.Host = override
		return u.String()
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
		host := "host.docker.internal"
		if p := u.Port(); p != "" {
			host = net.JoinHostPort(host, p)
		}
		u.Host = host
	}
	return u.String()
}

// sanitizeID keeps characters safe for an in-container file name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "script"
	}
	return b.String()
}

// containerPath resolves a file path relative to the workspace, rejecting
// anything that escapes it. Container paths are always POSIX.
func containerPath(rel string) (string, bool) {
	clean := path.Join(workspaceDir, path.Clean("/"+rel))
	if !strings.HasPrefix(clean, workspaceDir+"/") {
		return "", false
	}
	return clean, true
}

type tarEntry struct {
	name string
	data []byte
}

func buildTar(entries []tarEntry) (io.Reader, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// extractTarFile returns the contents of the first regular file in the
// archive, which is how docker returns a single copied-out file.
func extractTarFile(rc io.Reader) ([]byte, error) {
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive contains no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxOutputFileBytes {
			return nil, fmt.Errorf("file too large: %d bytes", hdr.Size)
		}
		return io.ReadAll(io.LimitReader(tr, maxOutputFileBytes))
	}
}

// decodeInputFiles validates and decodes base64-encoded input files into
// archive entries with workspace-relative names.
func decodeInputFiles(files []inputFile) ([]tarEntry, error) {
	var entries []tarEntry
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		clean, ok := containerPath(f.Name)
		if !ok {
			return nil, fmt.Errorf("invalid file path: %q", f.Name)
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", f.Name, err)
		}
		entries = append(entries, tarEntry{
			name: strings.TrimPrefix(clean, workspaceDir+"/"),
			data: data,
		})
	}
	return entries, nil
}

// copyInputFiles places decoded input files in the container workspace as
// a single archive.
func (r *runner) copyInputFiles(ctx context.Context, containerID string, entries []tarEntry) error {
	if len(entries) == 0 {
		return nil
	}
	archive, err := buildTar(entries)
	if err != nil {
		return fmt.Errorf("build input archive: %w", err)
	}
	err = r.docker.CopyToContainer(ctx, containerID, workspaceDir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy input files: %w", err)
	}
	return nil
}

// collectOutputFiles copies declared files out of the container workspace
// and base64-encodes them. Unreadable or escaping paths are skipped.
func (r *runner) collectOutputFiles(ctx context.Context, containerID string, paths []string) []outputFile {
	if len(paths) == 0 {
		return nil
	}
	var out []outputFile
	for _, p := range paths {
		clean, ok := containerPath(p)
		if !ok {
			continue
		}
		rc, _, err := r.docker.CopyFromContainer(ctx, containerID, clean)
		if err != nil {
			continue
		}
		data, err := extractTarFile(rc)
		rc.Close()
		if err != nil {
			continue
		}
		out = append(out, outputFile{
			Name: path.Base(p),
			MIME: detectMIME(p, data),
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

// detectMIME returns a MIME type for the given filename and data.
func detectMIME(name string, data []byte) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".zip":
		return "application/zip"
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	return http.DetectContentType(sniff)
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	// Always report the full count so io.Copy keeps draining instead
	// of stopping with ErrShortWrite once the cap is hit.
	n := len(p)
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
