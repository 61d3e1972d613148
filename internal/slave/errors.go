package slave

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Exit codes reported by the slave process.
const (
	ExitOK          = 0
	ExitUnavailable = 69
	ExitIOErr       = 74
	ExitProtocol    = 76
	ExitNoPerm      = 77
)

// ExitError ends the slave with a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitf(code int, format string, args ...interface{}) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// transient reports whether err is a network failure worth retrying.
func transient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return dns.IsTemporary || dns.IsNotFound || dns.IsTimeout
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
