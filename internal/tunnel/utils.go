package tunnel

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// BufferSize defines the maximum size (in bytes) of a client request header.
const BufferSize = 4096 * 4

// ClientReadTimeout specifies the maximum duration to wait for the request header.
const ClientReadTimeout = 60 * time.Second

// websocketGUID is the fixed GUID from RFC 6455 section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	responseBadRequest     = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"
	responseHeaderTooLarge = "HTTP/1.1 431 Request Header Fields Too Large\r\nConnection: close\r\n\r\n"
)

// HeaderValue extracts the value of a specific HTTP header from a slice of header lines.
//
// It performs a case-insensitive search for the header name and returns the value if found, or an empty string otherwise.
//
// Example:
//
//	upgrade := tunnel.HeaderValue(headers, "Upgrade")
func HeaderValue(headers []string, headerName string) string {
	headerNameLower := strings.ToLower(headerName)
	for _, line := range headers {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(parts[0])) == headerNameLower {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// UpgradeResponse builds the 101 response for an upgrade request. When the
// client sent a Sec-WebSocket-Key the matching accept value is included.
func UpgradeResponse(protocol, key string) string {
	if protocol == "" {
		protocol = "websocket"
	}
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: " + protocol + "\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	if key != "" {
		b.WriteString("Sec-WebSocket-Accept: " + websocketAccept(key) + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// websocketAccept computes the Sec-WebSocket-Accept value for key.
func websocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// isIgnorableError reports whether err is an expected result of a
// connection being closed from either side.
func isIgnorableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
