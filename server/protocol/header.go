package protocol

import (
	"bytes"
	"strconv"

	"github.com/loadsmith/loadsmith/server/engine"
)

var (
	headerEnd      = []byte("\r\n\r\n")
	connectionKey  = []byte("Connection")
	contentLenKey  = []byte("Content-Length")
	closeToken     = []byte("close")
	keepAliveToken = []byte("keep-alive")
	crlf           = []byte("\r\n")
)

// RequestHeader parses the minimum HTTP/1.1 request framing: the URL, the
// Connection token, and Content-Length. Everything else is ignored.
type RequestHeader struct {
	ready         bool
	keepAlive     bool
	url           string
	contentLength uint64
}

// TryParse searches data for the header terminator; until found it asks for
// more data by returning ok == false. Once found, the header lines are
// parsed, the header is marked ready, and the offset one past the
// terminator is returned.
func (h *RequestHeader) TryParse(data []byte) (end int, ok bool) {
	idx := bytes.Index(data, headerEnd)
	if idx < 0 {
		return 0, false
	}
	end = idx + len(headerEnd)
	h.parse(data[:idx])
	h.ready = true
	return end, true
}

// parse scans the request line and header fields. The URL is captured
// verbatim. Only the Connection and Content-Length names are inspected;
// unknown header names are skipped.
func (h *RequestHeader) parse(raw []byte) {
	line, rest := splitLine(raw)

	// request line: METHOD SP url SP version
	if sp := bytes.IndexByte(line, ' '); sp >= 0 {
		line = line[sp+1:]
		if sp = bytes.IndexByte(line, ' '); sp >= 0 {
			h.url = string(line[:sp])
		} else {
			h.url = string(line)
		}
	}

	for len(rest) > 0 {
		line, rest = splitLine(rest)
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := bytes.TrimSpace(line[:colon])
		val := bytes.TrimSpace(line[colon+1:])
		switch {
		case bytes.EqualFold(key, connectionKey):
			if bytes.EqualFold(val, closeToken) {
				h.keepAlive = false
			} else if bytes.EqualFold(val, keepAliveToken) {
				h.keepAlive = true
			}
		case bytes.EqualFold(key, contentLenKey):
			// negative values are treated as zero
			if n, err := strconv.ParseInt(string(val), 10, 64); err == nil && n > 0 {
				h.contentLength = uint64(n)
			}
		}
	}
}

func splitLine(raw []byte) (line, rest []byte) {
	if i := bytes.Index(raw, crlf); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return raw, nil
}

// Reset clears the parse state so the header can frame the next request of
// a keep-alive connection.
func (h *RequestHeader) Reset() {
	*h = RequestHeader{}
}

// Ready reports whether the full header was seen and parsed.
func (h *RequestHeader) Ready() bool { return h.ready }

// KeepAlive reports the Connection token; false unless keep-alive was sent.
func (h *RequestHeader) KeepAlive() bool { return h.keepAlive }

// URL is the request target, verbatim.
func (h *RequestHeader) URL() string { return h.url }

// ContentLength is the declared body length, zero when absent or negative.
func (h *RequestHeader) ContentLength() uint64 { return h.contentLength }

// ResponseHeader serialises a minimal HTTP/1.1 response status and headers
// into a fixed buffer owned by the protocol instance.
type ResponseHeader struct {
	buf       *engine.DynamicString
	code      int
	length    uint64
	keepAlive bool
	sent      bool
}

// NewResponseHeader binds the serialiser to its output buffer.
func NewResponseHeader(buf *engine.DynamicString) *ResponseHeader {
	return &ResponseHeader{buf: buf}
}

// Prepare formats the status line, Content-Length and Connection headers.
// At most one prepare per request.
func (r *ResponseHeader) Prepare(code int, length uint64, keepAlive bool) {
	r.code = code
	r.length = length
	r.keepAlive = keepAlive

	r.buf.Clear()
	r.buf.Printf("HTTP/1.1 %d %s", code, statusReason(code))
	r.buf.Printf("\r\n")
	r.buf.Printf("Content-Length: %d", length)
	r.buf.Printf("\r\n")
	conn := "Close"
	if keepAlive {
		conn = "Keep-Alive"
	}
	r.buf.Printf("Connection: %s", conn)
	r.buf.Printf("\r\n")
	r.buf.Printf("\r\n")
}

// Buffer is the serialised header, ready for the session's send queue.
func (r *ResponseHeader) Buffer() *engine.DynamicString { return r.buf }

// SetSent latches that the header went onto the wire.
func (r *ResponseHeader) SetSent() { r.sent = true }

// Sent reports whether the header was already queued this request.
func (r *ResponseHeader) Sent() bool { return r.sent }

// Reset re-arms the serialiser for the next keep-alive request.
func (r *ResponseHeader) Reset() { r.sent = false }
