//go:build !profile

package prof

import (
	"io"
	"net/http"
)

// Enabled reports whether the binary was built with the profile tag.
const Enabled = false

// Profiling errors. The no-op build never returns them.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Profile names a runtime profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

// Register is a no-op without the profile tag.
func Register(*http.ServeMux) {}

// StartCPU is a no-op without the profile tag.
func StartCPU(string) error { return nil }

// StopCPU is a no-op without the profile tag.
func StopCPU() {}

// IsCPUActive always returns false without the profile tag.
func IsCPUActive() bool { return false }

// EnableContention is a no-op without the profile tag.
func EnableContention(int) {}

// Write is a no-op without the profile tag.
func Write(Profile, string) error { return nil }

// WriteTo is a no-op without the profile tag.
func WriteTo(Profile, io.Writer) error { return nil }
