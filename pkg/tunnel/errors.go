package tunnel

import "errors"

var (
	// ErrClosed is returned by Checkout and Listen once the agent has
	// been destroyed.
	ErrClosed = errors.New("tunnel: agent closed")
	// ErrOverBudget names the case where a remote client dials more tunnel
	// sockets than the agent's configured maximum. Agent.admit closes the
	// extra connection without returning this error to any caller.
	ErrOverBudget = errors.New("tunnel: socket budget exceeded")
	// ErrOverloaded is returned by Checkout when the waiters queue is
	// already at its configured cap.
	ErrOverloaded = errors.New("tunnel: waiter queue full")
	// ErrTimeout is returned by Checkout when no tunnel socket became
	// available before the waiter timeout elapsed.
	ErrTimeout = errors.New("tunnel: checkout timed out waiting for a socket")
	// ErrAlreadyStarted is returned by Listen if called more than once.
	ErrAlreadyStarted = errors.New("tunnel: agent already listening")
)
