//go:build profile

package prof

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStartCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	if err := StartCPU(path); err != nil {
		t.Fatalf("StartCPU() error = %v", err)
	}
	if !IsCPUActive() {
		t.Error("IsCPUActive() = false after StartCPU")
	}
	if err := StartCPU(filepath.Join(t.TempDir(), "again.prof")); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second StartCPU() error = %v, want %v", err, ErrCPUProfileActive)
	}

	StopCPU()
	if IsCPUActive() {
		t.Error("IsCPUActive() = true after StopCPU")
	}
	StopCPU()

	if err := StartCPU(path); err != nil {
		t.Errorf("StartCPU() after StopCPU error = %v", err)
	}
	StopCPU()
}

func TestStartCPU_InvalidPath(t *testing.T) {
	if err := StartCPU("/nonexistent/directory/cpu.prof"); err == nil {
		StopCPU()
		t.Error("StartCPU() error = nil for invalid path")
	}
}

func TestWrite(t *testing.T) {
	EnableContention(1)
	defer EnableContention(0)

	for _, p := range []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileBlock, ProfileMutex} {
		t.Run(p.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), p.String()+".prof")
			if err := Write(p, path); err != nil {
				t.Fatalf("Write(%v) error = %v", p, err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Size() == 0 {
				t.Errorf("Write(%v) produced an empty file", p)
			}
		})
	}
}

func TestWriteTo_Invalid(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTo(Profile("cpu"), &buf); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("WriteTo(cpu) error = %v, want %v", err, ErrInvalidProfile)
	}
	if err := Write(ProfileHeap, "/nonexistent/directory/heap.prof"); err == nil {
		t.Error("Write() error = nil for invalid path")
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/goroutine?debug=1")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "goroutine") {
		t.Error("goroutine profile missing from response")
	}
}
