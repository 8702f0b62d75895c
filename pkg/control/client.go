package control

import (
	"net"
	"time"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// DefaultTimeout bounds a whole request/response exchange.
const DefaultTimeout = 10 * time.Second

type Client struct {
	conn    net.Conn
	timeout time.Duration
}

func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return nil, errx.With(ErrDial, ": %s: %w", path, err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request. A response carrying an error message is returned
// as ErrRemote.
func (c *Client) Call(req Request) (*Response, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := writeFrame(c.conn, &req); err != nil {
		return nil, err
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return &resp, errx.With(ErrRemote, ": %s", resp.Err)
	}
	return &resp, nil
}

func (c *Client) Status() (*Status, error) {
	resp, err := c.Call(Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) Update(f *rule.File) (*Status, error) {
	resp, err := c.Call(Request{Op: OpUpdate, Rules: f})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) Unmount() error {
	_, err := c.Call(Request{Op: OpUnmount})
	return err
}
