package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/ultrasonic.position/internal/measurement"
	"github.com/banshee-data/ultrasonic.position/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

var logf = monitoring.Prefixed("[capture] ")

// MaxLineLength bounds a single line from the board. Longer lines are line
// noise and are dropped up to the next newline.
const MaxLineLength = 4096

// overlongLine stands in for a dropped line. It can never come out of the
// reader because readLine strips the newline.
const overlongLine = "\n"

// readLine returns the next line without its terminator. A line that does
// not fit the reader's buffer is discarded and reported as overlongLine.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return strings.TrimRight(string(line), "\r\n"), err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return overlongLine, nil
}

// SerialSource reads ping cycles from the capture board's serial port. The
// board prints one line per completed cycle holding the four captured
// counter values, e.g. "4294867295,4294767001,4294667120,4294567310". Blank
// lines and lines starting with '#' are ignored.
type SerialSource[T SerialPorter] struct {
	port      T
	commandMu sync.Mutex
	closing   atomic.Bool

	lines     atomic.Uint64
	malformed atomic.Uint64
}

// NewSerialSource creates a SerialSource reading from port.
func NewSerialSource[T SerialPorter](port T) *SerialSource[T] {
	return &SerialSource[T]{port: port}
}

// OpenSerial opens the capture board at path with the given options.
func OpenSerial(path string, opts PortOptions) (*SerialSource[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return NewSerialSource[serial.Port](port), nil
}

// Initialize sends start-up commands to the board, one per line.
func (s *SerialSource[T]) Initialize(commands ...string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes a newline-terminated command to the serial port.
func (s *SerialSource[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Run reads lines from the port and hands every parsed sample to h. The
// blocking read runs on its own goroutine so cancellation is honoured; h is
// always called from Run's goroutine, one cycle at a time. Malformed lines
// are logged and skipped.
func (s *SerialSource[T]) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("capture: nil handler")
	}
	reader := bufio.NewReaderSize(s.port, MaxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for {
			line, err := readLine(reader)
			if line != "" || err == nil {
				select {
				case lineChan <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case scanErrChan <- err:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				// the reader may have queued an error just before closing
				select {
				case err := <-scanErrChan:
					if !s.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.handleLine(line, h)
		}
	}
}

func (s *SerialSource[T]) handleLine(line string, h Handler) {
	if line == overlongLine {
		s.lines.Add(1)
		s.malformed.Add(1)
		logf("skipping line longer than %d bytes", MaxLineLength)
		return
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	s.lines.Add(1)
	sample, err := measurement.ParseSample(line)
	if err != nil {
		s.malformed.Add(1)
		logf("skipping malformed line: %v", err)
		return
	}
	h(sample)
}

// Stats returns the number of data lines seen and how many were malformed.
func (s *SerialSource[T]) Stats() (lines, malformed uint64) {
	return s.lines.Load(), s.malformed.Load()
}

// Close stops delivery and closes the port.
func (s *SerialSource[T]) Close() error {
	s.closing.Store(true)
	return s.port.Close()
}
