package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// Client is the management side of the control socket, used by the
// CLI. It is a plain blocking dialer; the serving loop stays
// single-threaded on the tapdisk side.
type Client struct {
	conn   net.Conn
	cookie uint32
}

// Dial connects to a control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and waits for its response. req is
// JSON-encoded; the response payload comes back raw alongside the
// server's errno.
func (c *Client) Call(typ uint32, req any) (int, []byte, error) {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return 0, nil, err
		}
	}

	c.cookie++
	h := header{Type: typ, Cookie: c.cookie, Len: uint32(len(payload))}
	if _, err := c.conn.Write(append(marshalHeader(&h), payload...)); err != nil {
		return 0, nil, err
	}

	var rhdr header
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, nil, err
	}
	unmarshalHeader(buf, &rhdr)

	if rhdr.Cookie != c.cookie {
		return 0, nil, fmt.Errorf("control: cookie mismatch: %d != %d", rhdr.Cookie, c.cookie)
	}
	if rhdr.Len > maxPayload {
		return 0, nil, fmt.Errorf("control: oversized response: %d", rhdr.Len)
	}

	var out []byte
	if rhdr.Len > 0 {
		out = make([]byte, rhdr.Len)
		if _, err := io.ReadFull(c.conn, out); err != nil {
			return 0, nil, err
		}
	}
	return int(rhdr.Err), out, nil
}
