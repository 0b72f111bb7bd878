package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/camforge/camforge/internal/retry"
)

var (
	// ErrBadCredentials means the device rejected the authenticated
	// request. Retrying with the same credentials cannot succeed.
	ErrBadCredentials = errors.New("device rejected credentials")

	// ErrNoChallenge means a 401 response carried no usable digest
	// challenge.
	ErrNoChallenge = errors.New("no digest challenge in response")

	// ErrNotDevice means the host answered HTTP but does not speak the
	// device management protocol.
	ErrNotDevice = errors.New("host is not a managed device")
)

// StatusError is a device response outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("device returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("device returned status %d: %s", e.StatusCode, body)
}

// IsConnRefused reports whether the host actively refused the
// connection: nothing listens on the port.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsTimeout reports whether the call ran out of time.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUnreachable reports whether the host or its network is unroutable.
func IsUnreachable(err error) bool {
	return errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH)
}

// Classify maps device transport errors onto retry classes. Credential
// and protocol failures are fatal; anything network-shaped is
// transient, since devices drop off the network while rebooting after
// an install.
func Classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	if errors.Is(err, ErrBadCredentials) || errors.Is(err, ErrNoChallenge) || errors.Is(err, ErrNotDevice) {
		return retry.Fatal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == 429 {
			return retry.Transient
		}
		return retry.Fatal
	}

	return retry.Transient
}
