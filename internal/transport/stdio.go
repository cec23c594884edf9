// Package transport implements the stdio framing layer that carries
// JSON-RPC messages between the host and a tool server child process.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/basilisklabs/toolmesh/internal/jsonrpc"
)

// Framing selects how messages are delimited on the wire. Chosen when the
// transport is built and fixed for its lifetime; no negotiation is performed.
type Framing int

const (
	// FramingLine is the default: one JSON message per line, UTF-8, '\n'
	// terminated.
	FramingLine Framing = iota
	// FramingContentLength writes "Content-Length: N\r\n\r\n" followed by
	// exactly N bytes of UTF-8 payload.
	FramingContentLength
)

// MessageHandler is invoked for every successfully deframed message.
type MessageHandler func(*jsonrpc.Message)

// ErrorHandler is invoked for a malformed frame. The transport skips the
// offending line/frame and keeps reading; it never tears itself down
// because of a parse failure.
type ErrorHandler func(error)

// Stdio frames JSON-RPC messages over a child process's stdin/stdout. A
// single Stdio instance owns exactly one reader goroutine and serialises
// writers internally, per spec's §4.1 concurrency note.
type Stdio struct {
	framing Framing
	stdin   io.Writer
	stdout  io.Reader
	logger  *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onError   ErrorHandler

	active   bool
	activeMu sync.RWMutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Stdio transport over the given pipes. Neither pipe is opened
// or closed by Stdio; the caller (typically [process.Manager]) owns that.
func New(framing Framing, stdin io.Writer, stdout io.Reader, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		framing: framing,
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetMessageHandler registers the callback invoked for each inbound message.
func (s *Stdio) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onMessage = h
}

// SetErrorHandler registers the callback invoked for each frame parse
// failure.
func (s *Stdio) SetErrorHandler(h ErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onError = h
}

// Start begins the read loop in a background goroutine. It returns
// immediately; reading continues until Stop is called or the underlying
// reader returns EOF.
func (s *Stdio) Start(context.Context) error {
	s.activeMu.Lock()
	if s.active {
		s.activeMu.Unlock()
		return fmt.Errorf("transport: already started")
	}
	s.active = true
	s.activeMu.Unlock()

	go s.readLoop()
	return nil
}

// Stop signals the read loop to exit and marks the transport inactive. After
// Stop returns, IsActive reports false. Stop does not wait for the loop: a
// read already blocked on stdout returns once the pipe's owner closes it.
func (s *Stdio) Stop() error {
	s.activeMu.Lock()
	if !s.active {
		s.activeMu.Unlock()
		return nil
	}
	s.active = false
	s.activeMu.Unlock()

	close(s.stopCh)
	return nil
}

// IsActive reports whether the transport has been started and not yet
// stopped. It stays true after the read loop ends on EOF.
func (s *Stdio) IsActive() bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.active
}

// Send serialises and writes one message. Writes are serialised internally,
// so Send is safe to call concurrently from multiple goroutines.
func (s *Stdio) Send(msg *jsonrpc.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	switch s.framing {
	case FramingContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
		if _, err := io.WriteString(s.stdin, header); err != nil {
			return fmt.Errorf("transport: write header: %w", err)
		}
		if _, err := s.stdin.Write(payload); err != nil {
			return fmt.Errorf("transport: write payload: %w", err)
		}
	default:
		if _, err := s.stdin.Write(payload); err != nil {
			return fmt.Errorf("transport: write payload: %w", err)
		}
		if _, err := io.WriteString(s.stdin, "\n"); err != nil {
			return fmt.Errorf("transport: write delimiter: %w", err)
		}
	}
	return nil
}

func (s *Stdio) readLoop() {
	defer close(s.doneCh)

	reader := bufio.NewReaderSize(s.stdout, 64*1024)

	var err error
	switch s.framing {
	case FramingContentLength:
		err = s.readContentLengthLoop(reader)
	default:
		err = s.readLineLoop(reader)
	}
	if err != nil && err != io.EOF {
		s.dispatchError(fmt.Errorf("transport: read loop terminated: %w", err))
	}
}

func (s *Stdio) readLineLoop(reader *bufio.Reader) error {
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(trimmed) > 0 {
				s.decodeAndDispatch(trimmed)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Stdio) readContentLengthLoop(reader *bufio.Reader) error {
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		n, err := readContentLengthHeader(reader)
		if err != nil {
			if err == io.EOF {
				return err
			}
			s.dispatchError(fmt.Errorf("transport: malformed frame header: %w", err))
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return err
		}
		s.decodeAndDispatch(payload)
	}
}

// readContentLengthHeader consumes a block of "Key: Value\r\n" header lines
// terminated by a blank line, and returns the Content-Length value.
func readContentLengthHeader(reader *bufio.Reader) (int, error) {
	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return 0, fmt.Errorf("invalid Content-Length %q: %w", value, err)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return 0, fmt.Errorf("missing Content-Length header")
	}
	return contentLength, nil
}

func (s *Stdio) decodeAndDispatch(raw []byte) {
	var msg jsonrpc.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.dispatchError(fmt.Errorf("transport: parse frame: %w", err))
		return
	}

	s.handlerMu.RLock()
	handler := s.onMessage
	s.handlerMu.RUnlock()

	if handler != nil {
		handler(&msg)
	}
}

func (s *Stdio) dispatchError(err error) {
	s.handlerMu.RLock()
	handler := s.onError
	s.handlerMu.RUnlock()

	if handler != nil {
		handler(err)
		return
	}
	s.logger.Warn("transport error with no handler configured", "error", err)
}
