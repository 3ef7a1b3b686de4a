// Package device talks to bench hardware attached over serial ports: the
// solenoid rig's pressure transducer and valve driver. It abstracts
// line-based exchanges with optional read timeouts so agents can run
// against real hardware or a fake.
package device

import "time"

// Device is a line-oriented hardware link.
type Device interface {
	// ReadLine returns the next line without its terminator. If timeout > 0
	// it returns ErrReadTimeout once that much time passes with no line.
	ReadLine(timeout time.Duration) (string, error)

	// WriteLine writes s followed by '\n'.
	WriteLine(s string) error

	// Close releases the underlying port.
	Close() error
}
