// Package install defines the update-package installation surface used by
// the operation engine. The engine drives these interfaces; the concrete
// installers live behind them so the control flow can be exercised without a
// real package verifier.
package install

import "context"

// Status is the outcome of an installation or wipe attempt.
type Status int

const (
	// StatusSuccess means the operation completed.
	StatusSuccess Status = iota
	// StatusError means the operation started and failed.
	StatusError
	// StatusCorrupt means the package failed verification before any
	// change was made.
	StatusCorrupt
	// StatusNone means nothing was attempted.
	StatusNone
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "none"
	}
}

// Result carries the outcome of an install plus whether the caller should
// wipe the cache afterwards (the package can request it).
type Result struct {
	Status    Status
	WipeCache bool
}

// Installer applies an update package from a path.
type Installer interface {
	// Install verifies and applies the package. The context covers the
	// whole operation; cancellation aborts between steps.
	Install(ctx context.Context, packagePath string) (Result, error)
}

// Sideloader receives a package over a host connection and applies it.
type Sideloader interface {
	// Sideload blocks until a package arrives and is applied, the context
	// is cancelled, or the transport fails.
	Sideload(ctx context.Context) (Result, error)
}
