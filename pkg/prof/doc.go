// Package prof exposes runtime profiles of a running EHCI host stack.
//
// The package is compiled for real only with the "profile" build tag:
//
//	go build -tags profile ./examples/ehci-hal/loopback
//
// Without the tag every function is a no-op and [Enabled] is false, so
// callers may leave profiling hooks in place.
//
// # HTTP
//
// [Register] mounts the net/http/pprof handlers under /debug/pprof/ on a
// caller-owned mux, typically the one that already serves metrics:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
//
// # CPU
//
//	if err := prof.StartCPU("cpu.prof"); err != nil {
//	    return err
//	}
//	defer prof.StopCPU()
//
// # Snapshots
//
// [Write] and [WriteTo] capture heap, goroutine, block and mutex profiles.
// Block and mutex profiles stay empty until [EnableContention] is called.
// The completion path of the driver sleeps on channels and mutexes, which
// is where these two profiles are useful.
package prof
