package health

import (
	"context"
	"net"
	"time"
)

type dialerImpl struct{}

func (dialerImpl) dial(ctx context.Context, target string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}
