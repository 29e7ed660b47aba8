package codec

import (
	"bufio"
	"fmt"
	"io"
)

// StreamFixedBody copies exactly n bytes from in to out. A source that
// ends early yields ProtocolError{ReasonPrematureEOF}.
func StreamFixedBody(in io.Reader, out io.Writer, n int64, buf []byte) error {
	if buf == nil {
		buf = make([]byte, DefaultChunkBuffer)
	}
	copied, err := io.CopyBuffer(out, io.LimitReader(in, n), buf)
	if err != nil {
		return protoErr(ReasonEOF, err)
	}
	if copied < n {
		return protoErr(ReasonPrematureEOF, io.ErrUnexpectedEOF)
	}
	return nil
}

// StreamUntilEOF copies the remainder of in to out. Used only when a
// response carries neither content-length nor chunked framing.
func StreamUntilEOF(in io.Reader, out io.Writer, buf []byte) error {
	if buf == nil {
		buf = make([]byte, DefaultChunkBuffer)
	}
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return protoErr(ReasonEOF, err)
	}
	return nil
}

// StreamChunkedBody forwards a chunked body verbatim: every size line,
// chunk payload and trailing CRLF is written to out exactly as read,
// including trailer headers after the final zero-size chunk. Chunk
// payloads are copied through buf, so memory use stays bounded no
// matter the chunk size.
func StreamChunkedBody(in *bufio.Reader, out io.Writer, buf []byte) error {
	if buf == nil {
		buf = make([]byte, DefaultChunkBuffer)
	}
	for {
		line, err := readLine(in)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(out, line+"\r\n"); err != nil {
			return protoErr(ReasonEOF, err)
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}
		if size == 0 {
			// forward trailers verbatim up to and including the blank line
			for {
				tl, err := readLine(in)
				if err != nil {
					return err
				}
				if _, err := io.WriteString(out, tl+"\r\n"); err != nil {
					return protoErr(ReasonEOF, err)
				}
				if tl == "" {
					return nil
				}
			}
		}
		if err := StreamFixedBody(in, out, size, buf); err != nil {
			return err
		}
		sep, err := readLine(in)
		if err != nil {
			return err
		}
		if sep != "" {
			return protoErr(ReasonBadSyntax, fmt.Errorf("missing CRLF after chunk"))
		}
		if _, err := io.WriteString(out, "\r\n"); err != nil {
			return protoErr(ReasonEOF, err)
		}
	}
}
