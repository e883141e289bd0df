// Package smtpmask implements the line-oriented plumbing shared by
// both ends of the SMTP masquerade: reading CRLF-terminated command
// lines bounded to 1 KB, and writing RFC 5321-shaped multi-line
// responses. Both the server and the client state machines use it.
package smtpmask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength is the longest command or response line accepted,
// per the masquerade's line-reading contract.
const MaxLineLength = 1024

// ErrLineTooLong is returned by ReadLine when a peer sends a line
// longer than MaxLineLength.
var ErrLineTooLong = errors.New("smtpmask: line too long")

// ErrBareLF is returned by ReadLine when a line is terminated by a
// bare "\n" instead of "\r\n".
var ErrBareLF = errors.New("smtpmask: line terminated by bare LF, want CRLF")

// ReadLine reads one CRLF-terminated line from r, stripping the
// trailing CRLF. A bare "\n" with no preceding "\r" is rejected with
// ErrBareLF rather than accepted as a terminator. Lines longer than
// MaxLineLength are rejected, but the reader keeps draining the
// oversized line so the connection's framing isn't lost.
func ReadLine(r *bufio.Reader) (string, error) {
	frag, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		for err == bufio.ErrBufferFull {
			frag, err = r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}

	if len(frag) > MaxLineLength {
		return "", ErrLineTooLong
	}

	// frag always ends in '\n' here (ReadSlice only returns nil error
	// once the delimiter is found); require a preceding '\r' rather
	// than accepting the bare "\n" bufio.Reader.ReadLine would.
	if len(frag) < 2 || frag[len(frag)-2] != '\r' {
		return "", ErrBareLF
	}
	return string(frag[:len(frag)-2]), nil
}

// ReadCommand reads one line and splits it into an upper-cased verb
// and the remainder of the line (the params).
func ReadCommand(r *bufio.Reader) (verb, params string, err error) {
	line, err := ReadLine(r)
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(line, " ", 2)
	verb = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return verb, params, nil
}

// WriteResponse writes a (possibly multi-line) SMTP-shaped response:
// lines of msg split on "\n" are written as "<code>-<line>\r\n" except
// the last, which is written as "<code> <line>\r\n".
func WriteResponse(w io.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")

	var i int
	for i = 0; i < len(lines)-1; i++ {
		if _, err := w.Write([]byte(fmt.Sprintf("%d-%s\r\n", code, lines[i]))); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte(fmt.Sprintf("%d %s\r\n", code, lines[i])))
	return err
}

// WriteLine writes a single CRLF-terminated line, unprefixed by any
// response code. Used for plain client-side command verbs like
// "EHLO tunnel-client.local" or "STARTTLS".
func WriteLine(w io.Writer, line string) error {
	_, err := w.Write([]byte(line + "\r\n"))
	return err
}

// Response codes used by the masquerade, named per spec.md §4.3/§6.
const (
	CodeGreeting           = 220
	CodeEhloOK             = 250
	CodeStartTLSReady      = 220
	CodeAuthSuccess        = 235
	CodeBinaryModeActive   = 299
	CodeQuit               = 221
	CodeAuthFailure        = 535
	CodeCommandUnknown     = 502
	CodeBadSequence        = 503
)
