package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// StdioConfig describes an action server run as a subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries are KEY=VALUE pairs added to the inherited environment.
	Env    []string
	Dir    string
	Logger *slog.Logger
}

// StdioTransport speaks newline-delimited JSON-RPC over a subprocess's
// stdin and stdout. The process starts lazily and is restarted after a
// failure. One exchange is in flight at a time.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	// sem serialises exchanges while letting waiters give up on
	// context cancellation.
	sem chan struct{}

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan line
}

type line struct {
	data []byte
	err  error
}

// NewStdioTransport returns a transport for cfg.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// ensureRunning starts the subprocess when needed. Caller holds sem.
func (t *StdioTransport) ensureRunning() error {
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)
	cmd.Dir = t.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.cfg.Command, err)
	}

	lines := make(chan line, 16)
	go readLines(stdout, lines)
	go t.logStderr(stderr)

	t.cmd = cmd
	t.stdin = stdin
	t.lines = lines
	t.logger.Info("action server process started", "command", t.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// readLines forwards stdout lines until the pipe closes, then reports
// the terminal error and exits.
func readLines(r io.Reader, out chan<- line) {
	br := bufio.NewReaderSize(r, 1<<20)
	for {
		data, err := br.ReadBytes('\n')
		if len(data) > 0 && err == nil {
			out <- line{data: data}
			continue
		}
		if err == nil {
			continue
		}
		out <- line{err: err}
		close(out)
		return
	}
}

func (t *StdioTransport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 256<<10)
	for sc.Scan() {
		t.logger.Debug("action server stderr", "line", sc.Text())
	}
}

func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return fmt.Errorf("write to action server: %w", err)
	}
	return nil
}

// Send writes req and reads until the response carrying its ID arrives.
// Server-initiated notifications are skipped.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.ensureRunning(); err != nil {
		return nil, err
	}
	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			// The response may still arrive later and would be
			// misattributed, so the process is restarted.
			t.kill()
			return nil, ctx.Err()
		case l, ok := <-t.lines:
			if !ok || l.err != nil {
				t.kill()
				if !ok || errors.Is(l.err, io.EOF) {
					return nil, errors.New("action server exited")
				}
				return nil, fmt.Errorf("read from action server: %w", l.err)
			}
			var resp Response
			if err := json.Unmarshal(l.data, &resp); err != nil {
				t.logger.Debug("ignoring non-JSON output", "line", string(l.data))
				continue
			}
			if resp.ID != req.ID {
				continue
			}
			return &resp, nil
		}
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(ctx context.Context, n *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.ensureRunning(); err != nil {
		return err
	}
	return t.write(n)
}

// Close stops the subprocess, giving it a few seconds to exit after
// stdin closes.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	if t.cmd == nil {
		return nil
	}
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("action server did not exit, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		<-done
	}
	t.drain()
	t.cmd, t.stdin, t.lines = nil, nil, nil
	return err
}

// kill stops a misbehaving subprocess. Caller holds sem.
func (t *StdioTransport) kill() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.drain()
	t.cmd, t.stdin, t.lines = nil, nil, nil
}

// drain consumes buffered output so the reader goroutine can finish.
func (t *StdioTransport) drain() {
	if t.lines == nil {
		return
	}
	go func(ch <-chan line) {
		for range ch {
		}
	}(t.lines)
}
