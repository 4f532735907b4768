package brocker

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers, per the error taxonomy in the design
// document: configuration failures are fatal at construction time, the rest
// describe illegal use of a live Broker/Channel/Queue.
var (
	// ErrNotConnected is returned by Connection() when the broker has no
	// live connection to the cluster.
	ErrNotConnected = errors.New("Broker is not connected")

	// ErrChannelNotOpen is returned when a Channel's underlying amqp
	// channel is accessed before connect() has run.
	ErrChannelNotOpen = errors.New("Channel not opened")

	// ErrSubscriptionConflict is returned by Queue.Sub when a consumer is
	// already registered for that queue.
	ErrSubscriptionConflict = errors.New("A consumer already exists for that queue in that context")

	// ErrShutdown is returned by Connect, and by any call that has to
	// connect the broker first, once Close() has been called; a connect
	// attempt still retrying when Close() is called also stops with it.
	ErrShutdown = errors.New("broker is shut down")

	// ErrEmptyNodeList is returned when a NodeSpec resolves to zero
	// endpoints.
	ErrEmptyNodeList = errors.New("node list must contain at least one endpoint")
)

// ConfigurationError wraps a fatal, synchronous construction-time failure:
// an invalid protocol, port, channelMax, frameMax, heartbeat, vhost, or a
// malformed connection string.
type ConfigurationError struct {
	cause error
}

func newConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{cause: errors.Errorf(format, args...)}
}

func (e *ConfigurationError) Error() string { return e.cause.Error() }
func (e *ConfigurationError) Unwrap() error { return e.cause }

// ConnectExhaustedError is returned when Connect's retry budget is spent
// without reaching any endpoint in the cluster. It carries the last dial
// error observed.
type ConnectExhaustedError struct {
	Attempts int
	cause    error
}

func newConnectExhaustedError(attempts int, cause error) *ConnectExhaustedError {
	return &ConnectExhaustedError{Attempts: attempts, cause: cause}
}

func (e *ConnectExhaustedError) Error() string {
	return errors.Wrapf(e.cause, "connect exhausted after %d attempt(s)", e.Attempts).Error()
}

func (e *ConnectExhaustedError) Unwrap() error { return e.cause }

// handlerFailure is the internal representation of a handler chain outcome
// that is not a clean proceed. It is never returned to callers of Sub; it
// is consumed by the subscriber loop and translated into a nack.
type handlerFailure struct {
	cause error
}

func (e *handlerFailure) Error() string {
	if e.cause == nil {
		return "handler chain aborted"
	}
	return errors.Wrap(e.cause, "handler chain aborted").Error()
}

func (e *handlerFailure) Unwrap() error { return e.cause }
