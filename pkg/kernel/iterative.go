// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// IterativeLaunch describes a kernel that must be re-launched until it reports no progress.
//
// Each function enqueues its launches on the queue given to it; Iterate receives the progress flag, a
// device-resident Int32 scalar that the kernel must set to a value > 0 whenever it did some work.
type IterativeLaunch struct {
	// Init seeds the output before the first round. Optional.
	Init func(queue backends.Queue) error

	// Iterate launches one round.
	Iterate func(queue backends.Queue, progress backends.Buffer) error

	// Cleanup is launched once after convergence, to resolve any partial state left. Optional.
	Cleanup func(queue backends.Queue) error
}

// Result of a Driver.Run.
type Result struct {
	// Rounds is the number of times Iterate was launched.
	Rounds int
}

// RoundHook is called after each round with its 1-based number and the progress value read back.
type RoundHook func(round int, progress int32)

// Driver runs IterativeLaunch loops on a queue:
//
//	Init:      allocate the progress flag; Init launch.
//	Iterating: progress = 0; Iterate launch; read progress back (blocking); repeat while progress > 0.
//	Converged: Cleanup launch.
//
// The read-back after every round is a synchronization point: the device cannot decide global termination
// by itself. Each Run owns its progress flag, so concurrent runs (on their own queues) never share one.
//
// A Driver can be reused for several runs, but not concurrently.
type Driver struct {
	data          backends.DataInterface
	queue         backends.Queue
	maxIterations int
	roundHook     RoundHook
}

// NewDriver returns a Driver that allocates its progress flags with data and launches on queue.
// The maximum number of iterations defaults to DefaultMaxIterations.
func NewDriver(data backends.DataInterface, queue backends.Queue) *Driver {
	return &Driver{
		data:          data,
		queue:         queue,
		maxIterations: DefaultMaxIterations,
	}
}

// WithMaxIterations sets the maximum number of rounds. If the kernel still reports progress after that, Run
// returns a *NotConvergedError. 0 means no limit: the loop relies on the kernel eventually reporting no
// progress.
//
// It returns the Driver itself, so calls can be cascaded.
func (d *Driver) WithMaxIterations(maxIterations int) *Driver {
	d.maxIterations = maxIterations
	return d
}

// WithRoundHook sets a function called after every round, e.g. for progress reporting or tests.
func (d *Driver) WithRoundHook(hook RoundHook) *Driver {
	d.roundHook = hook
	return d
}

// Run executes the loop and returns the number of rounds.
//
// Errors are returned as typed errors: *AllocationError if the progress flag cannot be allocated,
// *LaunchError, *ReadBackError or *NotConvergedError. On any error the output of the kernels must be
// considered unusable.
func (d *Driver) Run(loop IterativeLaunch) (result Result, err error) {
	if loop.Iterate == nil {
		return result, errors.New("IterativeLaunch.Iterate must be set")
	}
	progress, err := d.data.Alloc(dtypes.Int32, 1)
	if err != nil {
		return result, newAllocationError(err)
	}
	defer func() {
		// The flag may still be in use by enqueued work if we are returning an error.
		if err != nil {
			if finishErr := d.queue.Finish(); finishErr != nil {
				klog.Warningf("iterative launch: queue failed while cleaning up after error %v: %v", err, finishErr)
				err = errors.WithMessagef(err, "queue also failed with %v", finishErr)
			}
		}
		if freeErr := d.data.Free(progress); freeErr != nil {
			klog.Warningf("failed to free iterative launch progress flag: %v", freeErr)
		}
	}()

	if loop.Init != nil {
		if err = loop.Init(d.queue); err != nil {
			return result, err
		}
	}

	for {
		if d.maxIterations > 0 && result.Rounds >= d.maxIterations {
			return result, errors.WithStack(&NotConvergedError{Rounds: result.Rounds})
		}
		if err = SetScalar(d.queue, progress, int32(0)); err != nil {
			return result, err
		}
		if err = loop.Iterate(d.queue, progress); err != nil {
			return result, err
		}
		result.Rounds++
		if err = DebugFinish(d.queue); err != nil {
			return result, err
		}
		var value int32
		value, err = GetScalar[int32](d.queue, progress)
		if err != nil {
			return result, err
		}
		klog.V(2).Infof("iterative launch round %d: progress=%d", result.Rounds, value)
		if d.roundHook != nil {
			d.roundHook(result.Rounds, value)
		}
		if value <= 0 {
			break
		}
	}

	if loop.Cleanup != nil {
		if err = loop.Cleanup(d.queue); err != nil {
			return result, err
		}
	}
	return result, nil
}
