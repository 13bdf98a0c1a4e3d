// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelrt/backends"
	"github.com/gomlx/kernelrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Queue executes commands in enqueue order in its own goroutine (or inline, if the backend is configured "sync").
//
// The first error of an executed command is kept, and the following commands are skipped, until it is
// reported by the next synchronizing call: Finish, ReadScalar or ReadBuffer.
type Queue struct {
	backend *Backend

	mu        sync.Mutex
	cond      sync.Cond // Signaled when commands are added or the queue is finalized.
	commands  []command
	finalized bool

	// pending counts the commands enqueued and not yet executed.
	pending *xsync.DynamicWaitGroup

	muErr sync.Mutex
	err   error
}

// command is one enqueued operation. desc is used in error messages.
type command struct {
	desc string
	fn   func() error
}

// Compile-time check:
var _ backends.Queue = (*Queue)(nil)

func newQueue(backend *Backend) *Queue {
	q := &Queue{
		backend: backend,
		pending: xsync.NewDynamicWaitGroup(),
	}
	q.cond = sync.Cond{L: &q.mu}
	if !backend.sync {
		go q.executor()
	}
	return q
}

// executor runs the commands in order, until the queue is finalized and there are no commands left.
func (q *Queue) executor() {
	for {
		q.mu.Lock()
		for len(q.commands) == 0 && !q.finalized {
			q.cond.Wait()
		}
		if len(q.commands) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.commands[0]
		q.commands[0] = command{}
		q.commands = q.commands[1:]
		q.mu.Unlock()

		q.run(cmd)
		q.pending.Done()
	}
}

// push enqueues the command, or runs it inline if the backend is synchronous.
func (q *Queue) push(cmd command) error {
	q.mu.Lock()
	if q.finalized {
		q.mu.Unlock()
		return errors.Errorf("%s: queue has already been finalized", cmd.desc)
	}
	if q.backend.sync {
		q.mu.Unlock()
		q.run(cmd)
		return nil
	}
	q.pending.Add(1)
	q.commands = append(q.commands, cmd)
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// run executes the command, converting panics into errors, and records the first error.
func (q *Queue) run(cmd command) {
	if q.stickyErr() != nil {
		klog.V(2).Infof("cpu queue: skipping %s after a previous error", cmd.desc)
		return
	}
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = cmd.fn() })
	if err == nil {
		err = panicErr
	}
	if err == nil {
		return
	}
	err = errors.WithMessage(err, cmd.desc)
	q.muErr.Lock()
	if q.err == nil {
		q.err = err
	}
	q.muErr.Unlock()
}

func (q *Queue) stickyErr() error {
	q.muErr.Lock()
	defer q.muErr.Unlock()
	return q.err
}

// Finish waits for all enqueued commands, and returns the first error that happened since the last
// synchronizing call, if any.
func (q *Queue) Finish() error {
	q.pending.Wait()
	q.muErr.Lock()
	defer q.muErr.Unlock()
	err := q.err
	q.err = nil
	return err
}

// Enqueue a launch of program. The work-groups are spread over the backend workers, unless the kernel is Serial.
//
// Invalid geometries and programs are reported immediately. Errors raised by the kernel body are reported by the
// next synchronizing call.
func (q *Queue) Enqueue(program backends.Program, global, local [3]int, args []any) error {
	p, ok := program.(*Program)
	if !ok || p == nil {
		return errors.Errorf("program (%T) is not a %q backend program", program, BackendName)
	}
	if p.finalized.Load() {
		return errors.Errorf("program %q was finalized", p.name)
	}
	var numGroups [3]int
	for axis := range global {
		if global[axis] <= 0 || local[axis] <= 0 || global[axis]%local[axis] != 0 {
			return errors.Errorf("invalid launch geometry global=%v local=%v for kernel %q", global, local, p.name)
		}
		numGroups[axis] = global[axis] / local[axis]
	}
	for ii, arg := range args {
		if buf, isBuffer := arg.(*Buffer); isBuffer {
			if _, err := asBuffer(buf); err != nil {
				return errors.WithMessagef(err, "argument #%d of kernel %q", ii, p.name)
			}
		}
	}
	argsCopy := append([]any(nil), args...)
	return q.push(command{
		desc: "launch of kernel " + p.name,
		fn: func() error {
			return q.execute(p, numGroups, local, argsCopy)
		},
	})
}

// execute runs all work-groups of a launch and returns the first error raised by one of them.
func (q *Queue) execute(p *Program, numGroups, local [3]int, args []any) error {
	total := numGroups[0] * numGroups[1] * numGroups[2]
	var (
		muFirstErr sync.Mutex
		firstErr   error
	)
	q.backend.workers.ParallelFor(total, !p.serial, func(idx int) {
		group := WorkGroup{NumGroups: numGroups, Size: local}
		group.ID[0] = idx % numGroups[0]
		group.ID[1] = (idx / numGroups[0]) % numGroups[1]
		group.ID[2] = idx / (numGroups[0] * numGroups[1])
		err := exceptions.TryCatch[error](func() { p.body(group, args) })
		if err != nil {
			muFirstErr.Lock()
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "work-group %v", group.ID)
			}
			muFirstErr.Unlock()
		}
	})
	return firstErr
}

// WriteScalar enqueues a write of value, converted to the buffer dtype, to the first element of buffer.
func (q *Queue) WriteScalar(buffer backends.Buffer, value any) error {
	buf, err := asBuffer(buffer)
	if err != nil {
		return err
	}
	return q.push(command{
		desc: "write scalar",
		fn:   func() error { return buf.writeScalar(value) },
	})
}

// ReadScalar waits for the enqueued commands and returns the first element of the buffer.
func (q *Queue) ReadScalar(buffer backends.Buffer) (any, error) {
	buf, err := asBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if err := q.Finish(); err != nil {
		return nil, err
	}
	return buf.readScalar(), nil
}

// WriteBuffer enqueues a copy of flat to buffer.
func (q *Queue) WriteBuffer(buffer backends.Buffer, flat any) error {
	buf, err := asBuffer(buffer)
	if err != nil {
		return err
	}
	return q.push(command{
		desc: "write buffer",
		fn:   func() error { return copyFlat(buf, flat, true) },
	})
}

// ReadBuffer waits for the enqueued commands and copies buffer to flat.
func (q *Queue) ReadBuffer(buffer backends.Buffer, flat any) error {
	buf, err := asBuffer(buffer)
	if err != nil {
		return err
	}
	if err := q.Finish(); err != nil {
		return err
	}
	return copyFlat(buf, flat, false)
}

// Finalize waits for the pending commands and stops the queue goroutine. Errors not yet reported are logged.
func (q *Queue) Finalize() {
	q.mu.Lock()
	if q.finalized {
		q.mu.Unlock()
		return
	}
	q.finalized = true
	q.cond.Broadcast()
	q.mu.Unlock()
	if err := q.Finish(); err != nil {
		klog.Warningf("cpu queue finalized with unreported error: %v", err)
	}
}
