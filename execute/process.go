// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package execute

import (
	"context"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	runningMu sync.Mutex
	running   = map[*os.Process]struct{}{}
)

// track records a started process so signals received by us can be passed
// on. The returned function removes it again.
func track(p *os.Process) func() {
	runningMu.Lock()
	running[p] = struct{}{}
	runningMu.Unlock()
	return func() {
		runningMu.Lock()
		delete(running, p)
		runningMu.Unlock()
	}
}

// ForwardSignal sends sig to every child process currently running. Returns
// the number of processes signalled.
func ForwardSignal(sig syscall.Signal) int {
	runningMu.Lock()
	defer runningMu.Unlock()

	n := 0
	for p := range running {
		if err := unix.Kill(p.Pid, sig); err == nil {
			n++
		}
	}
	return n
}

// Process is a long running helper started before the archiver, typically
// writing a database dump into a named pipe under the runtime directory. The
// archiver reads the pipe, so both must run (and finish) together.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process.
	Kill() error
}

// RunWithProcesses runs cmd (like RunResult) while waiting for the helper
// processes to finish. If the command doesn't exit with Ok, the helpers are
// killed. The first error from a helper is returned when the command itself
// succeeded.
func RunWithProcesses(ctx context.Context, prefix string, cmd Command, ex Executor, out Output, procs []Process) (Result, error) {
	if len(procs) == 0 {
		return RunResult(ctx, prefix, cmd, ex, out)
	}

	var g errgroup.Group

	for _, p := range procs {
		p := p
		g.Go(p.Wait)
	}

	res, err := RunResult(ctx, prefix, cmd, ex, out)
	if _, ok := res.(Ok); !ok || err != nil {
		for _, p := range procs {
			_ = p.Kill()
		}
		_ = g.Wait()
		return res, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
