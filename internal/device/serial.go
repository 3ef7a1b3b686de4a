package device

import (
	"bufio"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	serial "go.bug.st/serial"
)

var (
	// ErrNotOpen is returned when the port is closed or was never opened.
	ErrNotOpen = errors.New("serial port not open")
	// ErrReadTimeout is returned by ReadLine when no line arrives in time.
	ErrReadTimeout = errors.New("serial read timeout")
)

type lineResult struct {
	text string
	err  error
}

// Serial implements Device over a physical port via go.bug.st/serial. One
// background goroutine owns the read side, so a ReadLine that times out
// never leaves a second reader racing on the stream.
type Serial struct {
	dev  string
	baud int

	mu    sync.Mutex
	port  serial.Port
	lines chan lineResult
}

// OpenSerial opens the port at dev with the given baud rate.
func OpenSerial(dev string, baud int) (*Serial, error) {
	s := &Serial{dev: dev, baud: baud}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open makes the port ready, reopening after a Close. No-op when open.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	p, err := serial.Open(s.dev, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		return errors.Wrapf(err, "open serial %s", s.dev)
	}
	s.port = p
	s.lines = make(chan lineResult, 8)
	go readLines(p, s.lines)
	return nil
}

// readLines owns the port's read side until the port errors, which includes
// being closed. Lines are shed when the consumer lags; the channel close is
// the end-of-stream signal.
func readLines(p serial.Port, out chan<- lineResult) {
	r := bufio.NewReader(p)
	for {
		text, err := r.ReadString('\n')
		if trimmed := strings.TrimRight(text, "\r\n"); trimmed != "" {
			select {
			case out <- lineResult{text: trimmed}:
			default:
			}
		}
		if err != nil {
			select {
			case out <- lineResult{err: err}:
			default:
			}
			close(out)
			return
		}
	}
}

// ReadLine returns the next line from the port. timeout <= 0 blocks until
// a line or the port closes.
func (s *Serial) ReadLine(timeout time.Duration) (string, error) {
	s.mu.Lock()
	lines := s.lines
	s.mu.Unlock()
	if lines == nil {
		return "", ErrNotOpen
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case res, ok := <-lines:
		if !ok {
			return "", ErrNotOpen
		}
		if res.err != nil {
			return "", errors.Wrapf(res.err, "read serial %s", s.dev)
		}
		return res.text, nil
	case <-expired:
		return "", ErrReadTimeout
	}
}

// WriteLine writes one line followed by '\n' to the port.
func (s *Serial) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotOpen
	}
	if _, err := s.port.Write(append([]byte(line), '\n')); err != nil {
		return errors.Wrapf(err, "write serial %s", s.dev)
	}
	return nil
}

// Close closes the port. The reader goroutine exits on the resulting read
// error. Safe to call twice.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.lines = nil
	return err
}
