package h1

import (
	"strconv"
)

// Pre-allocated common header pieces
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentLength = []byte("Content-Length: ")
	headerConnection    = []byte("Connection: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")
	lastChunk           = []byte("0\r\n\r\n")
)

// AppendResponseHead appends a status line and header block to buf. A
// negative contentLength omits Content-Length. Connection is added unless
// headers already carry one.
func AppendResponseHead(buf []byte, status int, headers [][2]string, contentLength int64, keepAlive bool) []byte {
	if status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(status), 10)
		buf = append(buf, ' ')
		buf = append(buf, StatusText(status)...)
		buf = append(buf, crlf...)
	}

	hasConnection := false
	for _, h := range headers {
		if asciiEqualFold([]byte(h[0]), "connection") {
			hasConnection = true
			break
		}
	}
	if !hasConnection {
		buf = append(buf, headerConnection...)
		if keepAlive {
			buf = append(buf, headerKeepAlive...)
		} else {
			buf = append(buf, headerClose...)
		}
	}

	if contentLength >= 0 {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, contentLength, 10)
		buf = append(buf, crlf...)
	}

	for _, h := range headers {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	return append(buf, crlf...)
}

// BuildResponse assembles a complete response with a fixed-length body.
// Statuses that cannot carry a body get neither Content-Length nor body.
func BuildResponse(status int, headers [][2]string, body []byte, keepAlive bool) []byte {
	expected := 64 + len(body)
	for _, h := range headers {
		expected += len(h[0]) + len(h[1]) + 4
	}
	buf := make([]byte, 0, expected)
	if !bodyAllowed(status) {
		return AppendResponseHead(buf, status, headers, -1, keepAlive)
	}
	buf = AppendResponseHead(buf, status, headers, int64(len(body)), keepAlive)
	return append(buf, body...)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// AppendChunk appends data framed as one chunk of a chunked body.
func AppendChunk(buf, data []byte) []byte {
	if len(data) == 0 {
		return buf
	}
	buf = strconv.AppendInt(buf, int64(len(data)), 16)
	buf = append(buf, crlf...)
	buf = append(buf, data...)
	return append(buf, crlf...)
}

// LastChunk returns the terminating chunk of a chunked body.
func LastChunk() []byte { return lastChunk }

// notImplementedResponse is written for rejected requests.
func notImplementedResponse() []byte {
	return BuildResponse(501, nil, nil, false)
}

// ServiceUnavailableResponse is written to connections refused by the
// connection limit.
func ServiceUnavailableResponse() []byte {
	return BuildResponse(503, [][2]string{{"Content-Type", "text/plain"}}, []byte("Service Unavailable"), false)
}

// StatusText returns the status text for common HTTP status codes.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
