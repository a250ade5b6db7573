// Package h1 provides the HTTP/1.1 pipelining engine: request framing,
// in-order response delivery and per-phase timeouts over gnet or net.Conn.
package h1

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Request represents a parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string
	Version string
	// Headers holds (lowercased name, value) pairs in wire order.
	Headers [][2]string
	Host    string
	// Body handling
	ContentLength   int64
	ChunkedEncoding bool
	KeepAlive       bool
	// UpgradeProtocol is the Upgrade header value of an upgrade request.
	UpgradeProtocol string
	Body            []byte

	ID           RequestID
	ConnectionID uint64
	RemoteAddr   net.Addr
}

// Header returns the first value of the named header, matched
// case-insensitively.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// IsUpgrade reports whether the request asked for a protocol upgrade.
func (r *Request) IsUpgrade() bool { return r.UpgradeProtocol != "" }

var (
	bGET    = []byte("GET")
	bPOST   = []byte("POST")
	bHTTP11 = []byte("HTTP/1.1")
	bHTTP10 = []byte("HTTP/1.0")
	bRoot   = []byte("/")

	sGET    = "GET"
	sPOST   = "POST"
	sHTTP11 = "HTTP/1.1"
	sHTTP10 = "HTTP/1.0"
	sRoot   = "/"
)

type parseState uint8

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateComplete
)

// maxChunkLine bounds a chunk-size line including extensions.
const maxChunkLine = 4096

// Parser is an incremental HTTP/1.1 request parser. Feed may be called with
// arbitrary fragments; the parser stops consuming at the end of a message so
// that pipelined bytes stay with the caller.
type Parser struct {
	limits MessageLimits

	state       parseState
	req         *Request
	line        []byte
	headerBytes int
	remaining   int64
	bodyRead    int64
	connUpgrade bool
	nread       int
}

// NewParser creates a new HTTP/1.1 parser.
func NewParser(limits MessageLimits) *Parser {
	p := &Parser{limits: limits}
	p.Reset()
	return p
}

// Reset prepares the parser for the next message. The previous Request is
// left to its new owner.
func (p *Parser) Reset() {
	p.state = stateRequestLine
	p.req = &Request{ContentLength: -1}
	p.line = p.line[:0]
	p.headerBytes = 0
	p.remaining = 0
	p.bodyRead = 0
	p.connUpgrade = false
	p.nread = 0
}

// Request returns the message being parsed.
func (p *Parser) Request() *Request { return p.req }

// MessageComplete reports that a whole message has been parsed.
func (p *Parser) MessageComplete() bool { return p.state == stateComplete }

// UpgradeRequested reports that the completed message asked for a protocol
// upgrade.
func (p *Parser) UpgradeRequested() bool {
	return p.state == stateComplete && p.req.UpgradeProtocol != ""
}

// InProgress reports whether bytes of an unfinished message were consumed.
func (p *Parser) InProgress() bool {
	return p.state != stateComplete && (p.nread > 0 || len(p.line) > 0)
}

// Feed consumes bytes of the current message and returns how many were
// used. Bytes past the end of the message are not consumed.
func (p *Parser) Feed(data []byte) (int, error) {
	i := 0
	for i < len(data) && p.state != stateComplete {
		switch p.state {
		case stateBody, stateChunkData:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			p.req.Body = append(p.req.Body, data[i:i+int(n)]...)
			p.remaining -= n
			i += int(n)
			if p.remaining == 0 {
				if p.state == stateBody {
					p.state = stateComplete
				} else {
					p.state = stateChunkDataEnd
				}
			}
		default:
			line, n, ok, err := p.readLine(data[i:])
			i += n
			if err != nil {
				p.nread += i
				return i, err
			}
			if !ok {
				continue
			}
			err = p.onLine(line)
			p.line = p.line[:0]
			if err != nil {
				p.nread += i
				return i, err
			}
		}
	}
	p.nread += i
	return i, nil
}

// readLine returns a complete line without its CRLF, buffering partial
// lines across calls.
func (p *Parser) readLine(data []byte) ([]byte, int, bool, error) {
	idx := bytes.IndexByte(data, '\n')
	n := len(data)
	if idx >= 0 {
		n = idx + 1
	}
	if err := p.account(n); err != nil {
		return nil, n, false, err
	}
	if idx < 0 {
		p.line = append(p.line, data...)
		return nil, n, false, nil
	}
	line := data[:idx]
	if len(p.line) > 0 {
		p.line = append(p.line, line...)
		line = p.line
	}
	if l := len(line); l > 0 && line[l-1] == '\r' {
		line = line[:l-1]
	}
	return line, n, true, nil
}

func (p *Parser) account(n int) error {
	switch p.state {
	case stateRequestLine, stateHeaders, stateTrailers:
		p.headerBytes += n
		if p.limits.MaxHeaderBytes > 0 && p.headerBytes > p.limits.MaxHeaderBytes {
			return ErrHeaderTooLarge
		}
	default:
		if len(p.line)+n > maxChunkLine {
			return ErrInvalidChunk
		}
	}
	return nil
}

func (p *Parser) onLine(line []byte) error {
	switch p.state {
	case stateRequestLine:
		if len(line) == 0 {
			// Empty lines before a request line are ignored.
			return nil
		}
		return p.parseRequestLine(line)
	case stateHeaders:
		if len(line) == 0 {
			return p.headersComplete()
		}
		return p.parseHeader(line)
	case stateChunkSize:
		return p.parseChunkSize(line)
	case stateChunkDataEnd:
		if len(line) != 0 {
			return ErrInvalidChunk
		}
		p.state = stateChunkSize
	case stateTrailers:
		if len(line) == 0 {
			p.state = stateComplete
		}
	}
	return nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION.
func (p *Parser) parseRequestLine(line []byte) error {
	req := p.req
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return ErrInvalidRequestLine
	}
	if p.limits.MaxURLSize > 0 && len(parts[1]) > p.limits.MaxURLSize {
		return ErrURLTooLong
	}
	switch {
	case bytes.Equal(parts[0], bGET):
		req.Method = sGET
	case bytes.Equal(parts[0], bPOST):
		req.Method = sPOST
	default:
		req.Method = string(parts[0])
	}
	if bytes.Equal(parts[1], bRoot) {
		req.Path = sRoot
	} else {
		req.Path = string(parts[1])
	}
	switch {
	case bytes.Equal(parts[2], bHTTP11):
		req.Version = sHTTP11
	case bytes.Equal(parts[2], bHTTP10):
		req.Version = sHTTP10
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, parts[2])
	}
	req.KeepAlive = req.Version == sHTTP11
	p.state = stateHeaders
	return nil
}

// parseHeader handles a single "name: value" line.
func (p *Parser) parseHeader(line []byte) error {
	req := p.req
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding is not accepted.
		return ErrInvalidHeader
	}
	colonIdx := bytes.IndexByte(line, ':')
	if colonIdx <= 0 {
		return ErrInvalidHeader
	}
	if p.limits.MaxFieldCount > 0 && len(req.Headers) >= p.limits.MaxFieldCount {
		return ErrTooManyFields
	}
	rawName := bytes.TrimSpace(line[:colonIdx])
	rawValue := bytes.TrimSpace(line[colonIdx+1:])

	var name string
	switch {
	case asciiEqualFold(rawName, "Host"):
		name = "host"
	case asciiEqualFold(rawName, "Content-Length"):
		name = "content-length"
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		name = "transfer-encoding"
	case asciiEqualFold(rawName, "Connection"):
		name = "connection"
	case asciiEqualFold(rawName, "Upgrade"):
		name = "upgrade"
	default:
		name = strings.ToLower(string(rawName))
	}
	value := string(rawValue)
	req.Headers = append(req.Headers, [2]string{name, value})

	switch name {
	case "host":
		req.Host = value
	case "content-length":
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidContentLength, value)
		}
		if req.ContentLength >= 0 && req.ContentLength != cl {
			return fmt.Errorf("%w: conflicting values", ErrInvalidContentLength)
		}
		req.ContentLength = cl
	case "transfer-encoding":
		if asciiContainsFold(rawValue, "chunked") {
			req.ChunkedEncoding = true
		}
	case "connection":
		if asciiContainsFold(rawValue, "close") {
			req.KeepAlive = false
		} else if asciiContainsFold(rawValue, "keep-alive") {
			req.KeepAlive = true
		}
		if asciiContainsFold(rawValue, "upgrade") {
			p.connUpgrade = true
		}
	case "upgrade":
		req.UpgradeProtocol = value
	}
	return nil
}

func (p *Parser) headersComplete() error {
	req := p.req
	if !p.connUpgrade {
		req.UpgradeProtocol = ""
	}
	switch {
	case req.ChunkedEncoding:
		req.ContentLength = -1
		p.state = stateChunkSize
	case req.ContentLength > 0:
		if p.limits.MaxBodySize > 0 && req.ContentLength > p.limits.MaxBodySize {
			return ErrBodyTooLarge
		}
		req.Body = make([]byte, 0, req.ContentLength)
		p.remaining = req.ContentLength
		p.state = stateBody
	default:
		p.state = stateComplete
	}
	return nil
}

// parseChunkSize parses SIZE[;ext].
func (p *Parser) parseChunkSize(line []byte) error {
	if semiIdx := bytes.IndexByte(line, ';'); semiIdx != -1 {
		line = line[:semiIdx]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad chunk size", ErrInvalidChunk)
	}
	if size == 0 {
		p.state = stateTrailers
		return nil
	}
	p.bodyRead += size
	if p.limits.MaxBodySize > 0 && p.bodyRead > p.limits.MaxBodySize {
		return ErrBodyTooLarge
	}
	p.remaining = size
	p.state = stateChunkData
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if toLower(b[i]) != toLower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether b contains sub (ASCII case-insensitive)
func asciiContainsFold(b []byte, sub string) bool {
	m := len(sub)
	if m == 0 {
		return true
	}
	for i := 0; i+m <= len(b); i++ {
		if asciiEqualFold(b[i:i+m], sub) {
			return true
		}
	}
	return false
}

func toLower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
