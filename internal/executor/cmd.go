package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// signalExitCode stands in for an exit code when the child was killed by a
// signal and never produced one.
const signalExitCode = 9

// scanBufSize bounds a single captured line.
const scanBufSize = 1 << 20

type runSpec struct {
	cmdName           string
	args              []string
	code              string
	readCodeFromStdin bool
	workDir           string
	workUser          string
	env               map[string]string
	timeout           time.Duration
	logPath           string // empty disables the on-disk log
}

// runCommand starts the child, streams its output line by line into the
// rotating log, and races completion against the timeout, the kill channel
// and ctx. Kill and timeout take out the whole process group.
func runCommand(ctx context.Context, spec runSpec, kill <-chan struct{}, logger *zap.Logger) (*bridge.Output, error) {
	argv := append([]string(nil), spec.args...)
	if !spec.readCodeFromStdin && spec.code != "" {
		argv = append(argv, spec.code)
	}

	cmd := exec.Command(spec.cmdName, argv...)
	cmd.Dir = spec.workDir
	cmd.Env = mergedEnv(spec.env)
	setProcessGroup(cmd)
	if spec.workUser != "" {
		if err := setCredential(cmd, spec.workUser); err != nil {
			return nil, err
		}
	}
	if spec.readCodeFromStdin {
		cmd.Stdin = strings.NewReader(spec.code)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	var sink *rotateWriter
	if spec.logPath != "" {
		sink = newRotateWriter(spec.logPath)
		defer sink.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start %s: %w", spec.cmdName, err)
	}

	var (
		outBuf, errBuf bytes.Buffer
		wg             sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, &outBuf, sink)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, &errBuf, sink)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if spec.timeout > 0 {
		timer := time.NewTimer(spec.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-kill:
		logger.Info("killing process group", zap.String("cmd", spec.cmdName), zap.Int("pid", cmd.Process.Pid))
		_ = killProcessGroup(cmd.Process.Pid)
		waitErr = <-done
	case <-timeoutCh:
		logger.Warn("timeout exceeded, killing process group",
			zap.String("cmd", spec.cmdName), zap.Duration("timeout", spec.timeout))
		_ = killProcessGroup(cmd.Process.Pid)
		waitErr = <-done
	case <-ctx.Done():
		_ = killProcessGroup(cmd.Process.Pid)
		waitErr = <-done
	}

	out := &bridge.Output{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	state := cmd.ProcessState
	switch {
	case waitErr == nil:
		out.ExitCode = 0
		out.ExitStatus = state.String()
	case state != nil:
		out.ExitCode = state.ExitCode()
		if out.ExitCode < 0 {
			out.ExitCode = signalExitCode
		}
		out.ExitStatus = state.String()
	default:
		return nil, fmt.Errorf("executor: wait %s: %w", spec.cmdName, waitErr)
	}
	return out, nil
}

// scanLines copies r line by line into buf and, when sink is non-nil, the
// on-disk log.
func scanLines(r io.Reader, buf *bytes.Buffer, sink *rotateWriter) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), scanBufSize)
	for sc.Scan() {
		line := sc.Bytes()
		buf.Write(line)
		buf.WriteByte('\n')
		if sink != nil {
			_, _ = sink.Write(append(line, '\n'))
		}
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
