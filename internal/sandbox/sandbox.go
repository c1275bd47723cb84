// Package sandbox runs WASI programs inside a wazero runtime and reports how
// they terminated.
package sandbox

import (
	"context"
	"fmt"
	"io"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
)

// Instance is one instantiated, not yet started, guest program.
type Instance interface {
	// Run executes the guest entry point to completion. It never returns a
	// Go error: every way the guest can stop is described by the Termination.
	Run(ctx context.Context) Termination

	// Close releases the instance. It is safe to call after Run.
	Close(ctx context.Context) error
}

// Mount makes a file system visible to the guest as a preopened directory.
type Mount struct {
	GuestPath string
	FS        experimentalsys.FS
}

// EnvVar is one guest environment entry. Order is preserved.
type EnvVar struct {
	Key   string
	Value string
}

// Config holds the execution parameters for one instance.
type Config struct {
	Args   []string // args[0] is the program name
	Env    []EnvVar
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Mounts []Mount // preopen order is the guest's fd order starting at 3
}

// TerminationKind classifies how an instance stopped.
type TerminationKind int

const (
	NormalExitZero TerminationKind = iota
	NormalExitNonzero
	AbnormalTermination
)

// String returns the human-readable name of a kind.
func (k TerminationKind) String() string {
	switch k {
	case NormalExitZero:
		return "exit_zero"
	case NormalExitNonzero:
		return "exit_nonzero"
	case AbnormalTermination:
		return "abnormal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Termination is the outcome of Instance.Run.
type Termination struct {
	ExitCode int    // -1 when Abnormal
	Detail   string // human-readable, forwarded to the caller verbatim
	Abnormal bool   // trap, missing entry point or runtime failure
}

// Exited returns the Termination for a guest that called proc_exit(code) or
// returned from its entry point.
func Exited(code int) Termination {
	return Termination{
		ExitCode: code,
		Detail:   fmt.Sprintf("exit with exit code %d", code),
	}
}

// Aborted returns the Termination for a guest that stopped without exiting.
func Aborted(detail string) Termination {
	return Termination{ExitCode: -1, Detail: detail, Abnormal: true}
}

// Kind classifies t.
func (t Termination) Kind() TerminationKind {
	switch {
	case t.Abnormal:
		return AbnormalTermination
	case t.ExitCode == 0:
		return NormalExitZero
	default:
		return NormalExitNonzero
	}
}

// Succeeded reports whether the guest exited with status zero.
func (t Termination) Succeeded() bool { return t.Kind() == NormalExitZero }

// ErrInstantiate indicates the runtime could not create an instance.
type ErrInstantiate struct {
	Err error
}

func (e *ErrInstantiate) Error() string {
	return fmt.Sprintf("instantiating sandbox: %v", e.Err)
}

func (e *ErrInstantiate) Unwrap() error { return e.Err }
