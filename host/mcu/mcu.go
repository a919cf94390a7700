package mcu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stepcore/host/serial"
	"stepcore/standalone"
)

var (
	// ErrNotConnected is returned when no port is open
	ErrNotConnected = errors.New("not connected to controller")

	// ErrClosed is returned when the port closes while waiting for a reply
	ErrClosed = errors.New("connection closed")
)

// Reply is the controller's answer to one line
type Reply struct {
	Messages []string // lines received before the status line
	Status   string   // "ok", "error:N" or "ALARM:N"
}

// OK reports whether the line was accepted
func (r Reply) OK() bool {
	return r.Status == "ok"
}

// Code returns N of error:N or ALARM:N, 0 for ok
func (r Reply) Code() int {
	_, n, found := strings.Cut(r.Status, ":")
	if !found {
		return 0
	}
	code, _ := strconv.Atoi(n)
	return code
}

// IsAlarm reports whether the line raised an alarm
func (r Reply) IsAlarm() bool {
	return strings.HasPrefix(r.Status, "ALARM:")
}

// MCU represents a console connection to a stepcore controller
type MCU struct {
	port io.ReadWriter
	conn io.Closer

	lines  chan string
	status chan string
	done   chan struct{}
	quit   chan struct{}

	log logrus.FieldLogger

	// Connection state
	connected bool
}

// NewMCU wraps an open port. The port is read by a background goroutine
// until it fails or Close is called.
func NewMCU(port io.ReadWriter, log logrus.FieldLogger) *MCU {
	m := &MCU{
		port:      port,
		lines:     make(chan string, 64),
		status:    make(chan string, 4),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
		log:       standalone.ComponentLogger(log, "mcu"),
		connected: true,
	}
	if c, ok := port.(io.Closer); ok {
		m.conn = c
	}
	go m.readLoop()
	return m
}

// Connect opens device and wraps it
func Connect(cfg *serial.Config, log logrus.FieldLogger) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	m := NewMCU(port, log)

	// Give the controller time to boot if opening the port reset it
	time.Sleep(100 * time.Millisecond)
	m.Drain()
	return m, nil
}

// Drain discards lines received outside of an exchange, such as the banner,
// and returns them
func (m *MCU) Drain() []string {
	var lines []string
	for {
		select {
		case l := <-m.lines:
			lines = append(lines, l)
		default:
			return lines
		}
	}
}

// readLoop splits the input into lines. Status reports are routed apart
// so they can be requested while a line is pending.
func (m *MCU) readLoop() {
	defer close(m.done)

	scanner := bufio.NewScanner(m.port)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		m.log.WithField("line", line).Debug("received")
		if strings.HasPrefix(line, "<") {
			select {
			case m.status <- line:
			default:
				// Nobody asked; drop it
			}
			continue
		}
		select {
		case m.lines <- line:
		case <-m.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.WithError(err).Warn("read failed")
	}
}

// Close closes the connection to the controller
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	close(m.quit)
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// IsConnected returns whether the controller is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// Send writes one line and waits for its status line
func (m *MCU) Send(ctx context.Context, line string) (Reply, error) {
	if !m.connected {
		return Reply{}, ErrNotConnected
	}
	line = strings.TrimSpace(line)
	if _, err := io.WriteString(m.port, line+"\n"); err != nil {
		return Reply{}, fmt.Errorf("failed to send %q: %w", line, err)
	}

	var reply Reply
	for {
		select {
		case <-ctx.Done():
			return reply, ctx.Err()
		case <-m.done:
			return reply, ErrClosed
		case l := <-m.lines:
			if l == "ok" || strings.HasPrefix(l, "error:") || strings.HasPrefix(l, "ALARM:") {
				reply.Status = l
				return reply, nil
			}
			reply.Messages = append(reply.Messages, l)
		}
	}
}

// Status requests a realtime status report
func (m *MCU) Status(ctx context.Context) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}
	if _, err := m.port.Write([]byte{'?'}); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.done:
		return "", ErrClosed
	case s := <-m.status:
		return s, nil
	}
}

// Reset sends the realtime soft reset
func (m *MCU) Reset() error {
	if !m.connected {
		return ErrNotConnected
	}
	_, err := m.port.Write([]byte{0x18})
	return err
}

// Identify returns the build info lines of $I
func (m *MCU) Identify(ctx context.Context) ([]string, error) {
	reply, err := m.Send(ctx, "$I")
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// Settings returns the $$ settings as a map from number to value
func (m *MCU) Settings(ctx context.Context) (map[int]string, error) {
	reply, err := m.Send(ctx, "$$")
	if err != nil {
		return nil, err
	}
	settings := make(map[int]string)
	for _, l := range reply.Messages {
		key, value, ok := strings.Cut(strings.TrimPrefix(l, "$"), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		settings[n] = value
	}
	return settings, nil
}

// Stream sends every line of r in turn. It stops at the first alarm, or
// at the first error when stopOnError is set. onReply, if not nil, sees
// every exchange.
func (m *MCU) Stream(ctx context.Context, r io.Reader, stopOnError bool, onReply func(line string, reply Reply)) error {
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := m.Send(ctx, line)
		if err != nil {
			return err
		}
		if onReply != nil {
			onReply(line, reply)
		}
		if reply.IsAlarm() || (stopOnError && !reply.OK()) {
			return fmt.Errorf("line %d %q: %s", n, line, reply.Status)
		}
	}
	return scanner.Err()
}
