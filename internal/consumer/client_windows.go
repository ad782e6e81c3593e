//go:build windows

package consumer

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

func (c *Client) dialIPC(ctx context.Context) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial pipe %s: %w", c.socketPath, err)
	}
	return conn, nil
}
