// Package protocol implements the driver/repository wire protocol: a
// line-oriented control channel with embedded length-prefixed binary
// payloads, spoken identically over stdio pipes and sockets.
//
// Every command either streams framed data and finishes with an "ok"
// line, or emits "error <message>" and the connection dies. Binary
// frames are u32 big-endian lengths followed by that many bytes; a zero
// length ends a stream.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrProtocol marks malformed frames and out-of-order traffic.
var ErrProtocol = errors.New("protocol error")

// ErrRemote carries an error line received from the peer.
type ErrRemote struct {
	Msg string
}

func (e *ErrRemote) Error() string {
	return "server: " + e.Msg
}

// Conn is one protocol endpoint over a byte stream. It is not safe for
// concurrent use; commands are serialized by design.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
	// Quiet suppresses ok lines, for talking to the server with
	// non-protocol tooling.
	Quiet bool
}

// NewConn wraps a byte stream. closer may be nil for streams whose
// lifetime the caller manages.
func NewConn(r io.Reader, w io.Writer, closer io.Closer) *Conn {
	return &Conn{
		r: bufio.NewReaderSize(r, 1<<16),
		w: bufio.NewWriterSize(w, 1<<16),
		c: closer,
	}
}

// Close flushes and closes the underlying stream.
func (c *Conn) Close() error {
	err := c.w.Flush()
	if c.c != nil {
		if err2 := c.c.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// Flush pushes buffered writes to the peer.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// ReadLine returns the next control line without its newline.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", fmt.Errorf("read line: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine sends one control line.
func (c *Conn) WriteLine(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.w, format+"\n", args...); err != nil {
		return err
	}
	return nil
}

// OK terminates a successful command, unless quiet mode is on.
func (c *Conn) OK() error {
	if c.Quiet {
		return c.w.Flush()
	}
	if err := c.WriteLine("ok"); err != nil {
		return err
	}
	return c.w.Flush()
}

// Error reports a failed command to the peer.
func (c *Conn) Error(msg string) error {
	msg = strings.ReplaceAll(msg, "\n", " ")
	if err := c.WriteLine("error %s", msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// DrainOK reads control lines until ok or error, returning the lines in
// between. This is the drain point where a driver observes server
// output such as index suggestions.
func (c *Conn) DrainOK() ([]string, error) {
	var lines []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return lines, err
		}
		if line == "ok" {
			return lines, nil
		}
		if strings.HasPrefix(line, "error ") {
			return lines, &ErrRemote{Msg: strings.TrimPrefix(line, "error ")}
		}
		lines = append(lines, line)
	}
}

// WriteU32 sends one big-endian frame length.
func (c *Conn) WriteU32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := c.w.Write(b[:])
	return err
}

// ReadU32 reads one big-endian frame length.
func (c *Conn) ReadU32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadN reads exactly n payload bytes.
func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("%w: short frame: %v", ErrProtocol, err)
	}
	return buf, nil
}

// Write sends raw payload bytes.
func (c *Conn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// WriteFrame sends one length-prefixed frame.
func (c *Conn) WriteFrame(p []byte) error {
	if err := c.WriteU32(uint32(len(p))); err != nil {
		return err
	}
	_, err := c.w.Write(p)
	return err
}

// ReadFrame reads one length-prefixed frame; a zero length returns nil.
func (c *Conn) ReadFrame() ([]byte, error) {
	n, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return c.ReadN(int(n))
}

// ShellSplit breaks a command line into arguments, honoring single and
// double quotes so paths with spaces survive.
func ShellSplit(line string) []string {
	var args []string
	var cur strings.Builder
	inWord := false
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == ' ' || ch == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(ch)
			inWord = true
		}
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args
}
