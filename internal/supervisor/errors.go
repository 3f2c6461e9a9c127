package supervisor

import (
	"errors"
	"fmt"

	"github.com/gateway-fm/ethsimulator/internal/execnode"
)

var (
	// ErrNotConnected is returned by Connection before Connect has succeeded.
	ErrNotConnected = errors.New("not connected")

	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("connection failed")

	// ErrClientNotInstalled is returned when the client binary cannot be found.
	ErrClientNotInstalled = errors.New("execution client not installed")

	// ErrLaunch is returned when the client process could not be started.
	ErrLaunch = errors.New("failed to launch execution client")

	// ErrClientExited is returned when the launched client dies before answering.
	ErrClientExited = errors.New("execution client exited")

	// ErrLedgerInit is returned when the client's init command fails.
	ErrLedgerInit = errors.New("ledger initialization failed")
)

// ConnectionError reports that the endpoint never answered.
type ConnectionError struct {
	Endpoint string
	Kind     execnode.Kind
	Attempts int
	// Command is the launch command line, if this supervisor launched the client.
	Command string
	Err     error
	// Output is the tail of the launched client's output, if this supervisor launched it.
	Output string
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("could not connect to %s at %s after %d attempts", e.Kind, e.Endpoint, e.Attempts)
	if e.Command != "" {
		msg += fmt.Sprintf(" (launched %q)", e.Command)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) true.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
