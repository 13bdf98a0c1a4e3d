// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"os"
	"strconv"

	"github.com/gomlx/kernelrt/backends"
	"k8s.io/klog/v2"
)

const (
	// DebugFinishEnvVar enables DebugFinishEnabled if set to a true value ("1", "true", ...).
	DebugFinishEnvVar = "KERNELRT_DEBUG_FINISH"

	// MaxIterationsEnvVar sets DefaultMaxIterations.
	MaxIterationsEnvVar = "KERNELRT_MAX_ITERATIONS"
)

var (
	// DebugFinishEnabled makes DebugFinish wait for the queue to finish after launches.
	// It's a debugging aid: it pins launch errors on the launch that caused them, at the cost of serializing
	// host and device.
	//
	// It's initialized from $KERNELRT_DEBUG_FINISH.
	DebugFinishEnabled = envBool(DebugFinishEnvVar)

	// DefaultMaxIterations is the maximum number of rounds of a Driver created with NewDriver.
	// 0 means no limit.
	//
	// It's initialized from $KERNELRT_MAX_ITERATIONS.
	DefaultMaxIterations = envInt(MaxIterationsEnvVar)
)

// DebugFinish waits for queue to finish its work if DebugFinishEnabled is set, and is a no-op otherwise.
// Errors are returned as a *LaunchError.
func DebugFinish(queue backends.Queue) error {
	if !DebugFinishEnabled {
		return nil
	}
	if err := queue.Finish(); err != nil {
		return newLaunchError("<debug-finish>", err)
	}
	return nil
}

func envBool(name string) bool {
	str, found := os.LookupEnv(name)
	if !found || str == "" {
		return false
	}
	value, err := strconv.ParseBool(str)
	if err != nil {
		klog.Warningf("invalid value for $%s=%q, expected a boolean: %v", name, str, err)
		return false
	}
	return value
}

func envInt(name string) int {
	str, found := os.LookupEnv(name)
	if !found || str == "" {
		return 0
	}
	value, err := strconv.Atoi(str)
	if err != nil || value < 0 {
		klog.Warningf("invalid value for $%s=%q, expected a non-negative integer", name, str)
		return 0
	}
	return value
}
