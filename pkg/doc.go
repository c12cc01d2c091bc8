// Package pkg provides shared utilities for the softehci USB host stack.
//
// This package contains common functionality used by the host stack and the
// EHCI controller driver, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and host controller errors
//   - The [TransferStatus] outcome enum reported to class drivers
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentHost, "device attached", "address", 1)
//
// Components that exist once per controller instance carry their identity
// through a [Log]:
//
//	l := pkg.NewLog(pkg.ComponentController, "id", id)
//	l.With(pkg.ComponentAsync).Debug("doorbell rung")
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
//
// [StatusOf] folds any transfer error into a [TransferStatus].
package pkg
