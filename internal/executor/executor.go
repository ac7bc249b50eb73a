// Package executor runs job subprocesses on the agent host. It captures
// stdout/stderr line by line, mirrors them into a size-rotated log under
// the agent's output directory, and supports cooperative kill through a
// channel shared with the scheduler.
package executor

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// Result is what a run produces. Exactly one of Output and Bundle is set:
// Output for a plain job, Bundle (keyed by entry eid) when the job carries
// bundle scripts.
type Result struct {
	Output *bridge.Output
	Bundle map[string]bridge.Output
}

// Executor runs one job definition. Build it with NewBuilder; the zero
// value is not usable.
type Executor struct {
	job        bridge.BaseJob
	outputDir  string
	disableLog bool
	extraEnv   map[string]string
	log        *zap.Logger
}

// Builder assembles an Executor.
type Builder struct {
	e Executor
}

func NewBuilder() *Builder {
	return &Builder{e: Executor{log: zap.NewNop()}}
}

func (b *Builder) Job(j bridge.BaseJob) *Builder {
	b.e.job = j
	return b
}

// OutputDir sets where run logs are written.
func (b *Builder) OutputDir(dir string) *Builder {
	b.e.outputDir = dir
	return b
}

// DisableLog turns off the on-disk run log; output is still captured in
// memory.
func (b *Builder) DisableLog(v bool) *Builder {
	b.e.disableLog = v
	return b
}

// Env adds environment variables on top of the job's own.
func (b *Builder) Env(env map[string]string) *Builder {
	b.e.extraEnv = env
	return b
}

func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.e.log = l.Named("executor")
	return b
}

func (b *Builder) Build() *Executor {
	e := b.e
	return &e
}

// Run executes the job. kill aborts the run when closed; pass nil when no
// kill path is needed. A non-nil BundleScript selects bundle mode even when
// empty; entries run sequentially and a failed entry does not stop the
// ones after it.
func (e *Executor) Run(ctx context.Context, kill <-chan struct{}) (*Result, error) {
	if e.job.BundleScript != nil {
		return e.runBundle(ctx, kill)
	}
	out, err := runCommand(ctx, e.spec(e.job.Eid, e.job.CmdName, e.job.Args, e.job.Code, e.job.ReadCodeFromStdin), kill, e.log)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// runBundle executes every entry in order under the shared kill channel.
// An empty bundle yields an empty map without spawning anything.
func (e *Executor) runBundle(ctx context.Context, kill <-chan struct{}) (*Result, error) {
	outputs := make(map[string]bridge.Output, len(e.job.BundleScript))
	for _, entry := range e.job.BundleScript {
		out, err := runCommand(ctx, e.spec(entry.Eid, entry.CmdName, entry.Args, entry.Code, e.job.ReadCodeFromStdin), kill, e.log)
		if err != nil {
			e.log.Error("bundle entry failed to start",
				zap.String("eid", entry.Eid), zap.String("name", entry.Name), zap.Error(err))
			outputs[entry.Eid] = bridge.Output{
				ExitCode:   99,
				ExitStatus: err.Error(),
				Stderr:     err.Error(),
			}
			continue
		}
		outputs[entry.Eid] = *out
	}
	return &Result{Bundle: outputs}, nil
}

func (e *Executor) spec(eid, cmdName string, args []string, code string, readStdin bool) runSpec {
	logPath := ""
	if !e.disableLog && e.outputDir != "" {
		logPath = filepath.Join(e.outputDir, eid+".log")
	}
	env := make(map[string]string, len(e.job.Env)+len(e.extraEnv))
	for k, v := range e.job.Env {
		env[k] = v
	}
	for k, v := range e.extraEnv {
		env[k] = v
	}
	return runSpec{
		cmdName:           cmdName,
		args:              args,
		code:              code,
		readCodeFromStdin: readStdin,
		workDir:           e.job.WorkDir,
		workUser:          e.job.WorkUser,
		env:               env,
		timeout:           time.Duration(e.job.Timeout) * time.Second,
		logPath:           logPath,
	}
}
