//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Enabled reports whether the binary was built with the profile tag.
const Enabled = true

// Profiling errors.
var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a runtime profile.
type Profile string

// Snapshot profiles. CPU profiling goes through StartCPU.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

var (
	cpuMu     sync.Mutex
	cpuFile   *os.File
	cpuActive bool
)

// Register mounts the pprof handlers on mux under /debug/pprof/.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// StartCPU starts CPU profiling into the file at path.
func StartCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile, cpuActive = f, true
	return nil
}

// StopCPU stops CPU profiling and closes the output file. It does nothing
// when profiling is not active.
func StopCPU() {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if !cpuActive {
		return
	}
	rpprof.StopCPUProfile()
	if cpuFile != nil {
		cpuFile.Close()
		cpuFile = nil
	}
	cpuActive = false
}

// IsCPUActive reports whether CPU profiling is running.
func IsCPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuActive
}

// EnableContention turns on block and mutex sampling. A rate of 1 records
// every event; 0 turns both off.
func EnableContention(rate int) {
	runtime.SetBlockProfileRate(rate)
	runtime.SetMutexProfileFraction(rate)
}

// Write saves a snapshot profile to the file at path.
func Write(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(p, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot profile to w in protobuf form.
func WriteTo(p Profile, w io.Writer) error {
	prof := rpprof.Lookup(string(p))
	if prof == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
	}
	return prof.WriteTo(w, 0)
}
