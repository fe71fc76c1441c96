package gateway

import (
	"bytes"
	"fmt"
	"strings"
)

// Minimal STOMP 1.2 framing, enough to speak to the chat gateway over a
// WebSocket. Heart-beating is negotiated off; the WebSocket ping/pong
// keepalive covers liveness.

const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
)

type frame struct {
	command string
	headers map[string]string
	body    []byte
}

func (f frame) header(key string) string {
	return f.headers[key]
}

// marshalFrame renders a frame as COMMAND, header lines, blank line, body,
// NUL terminator.
func marshalFrame(f frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')
	for k, v := range f.headers {
		buf.WriteString(encodeHeaderValue(k))
		buf.WriteByte(':')
		buf.WriteString(encodeHeaderValue(v))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func parseFrame(data []byte) (frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return frame{}, fmt.Errorf("stomp: frame missing header terminator")
	}

	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return frame{}, fmt.Errorf("stomp: frame missing command")
	}

	f := frame{
		command: strings.TrimSuffix(lines[0], "\r"),
		headers: make(map[string]string, len(lines)-1),
		body:    body,
	}

	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return frame{}, fmt.Errorf("stomp: malformed header %q", line)
		}
		// First header entry wins per the STOMP spec.
		key := decodeHeaderValue(k)
		if _, exists := f.headers[key]; !exists {
			f.headers[key] = decodeHeaderValue(v)
		}
	}

	return f, nil
}

var headerEncoder = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

var headerDecoder = strings.NewReplacer(
	`\r`, "\r",
	`\n`, "\n",
	`\c`, ":",
	`\\`, `\`,
)

func encodeHeaderValue(s string) string {
	return headerEncoder.Replace(s)
}

func decodeHeaderValue(s string) string {
	return headerDecoder.Replace(s)
}
