//go:build !unix

package process

import "syscall"

// Handle is a started worker process. Unavailable on this platform.
type Handle struct{}

var _ WaitHandle = (*Handle)(nil)

// Supported reports whether this platform can run isolated workers.
func Supported() bool {
	return false
}

// Start always fails with ErrUnsupported.
func Start(spec Spec) (*Handle, error) {
	return nil, ErrUnsupported
}

func (h *Handle) PID() int                        { return 0 }
func (h *Handle) Exited() bool                    { return true }
func (h *Handle) Signalled() bool                 { return false }
func (h *Handle) Status() ExitStatus              { return ExitStatus{Code: -1} }
func (h *Handle) Poll() (bool, error)             { return true, nil }
func (h *Handle) Signal(sig syscall.Signal) error { return ErrUnsupported }
func (h *Handle) Detach(onExit func(ExitStatus))  {}

// SignalGroup always fails with ErrUnsupported.
func SignalGroup(sig syscall.Signal) error {
	return ErrUnsupported
}

// Raise always fails with ErrUnsupported.
func Raise(sig syscall.Signal) error {
	return ErrUnsupported
}

// CloseOnExec is a no-op on this platform.
func CloseOnExec(fd int) {}
