package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

var errNotOpen = dtx.Systemic(errors.New("redis connection is not open"))

// keyNotFound will detect whether error signifies key not found by Redis.
func keyNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// storageError marks errors that mean Redis itself is unreachable as systemic.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return dtx.Systemic(err)
	}
	return err
}

// Ping tests connectivity of c.
func Ping(ctx context.Context, c *Connection) error {
	if c == nil || c.Client == nil {
		return errNotOpen
	}
	return storageError(c.Client.Ping(ctx).Err())
}

func (c *Connection) key(parts ...string) string {
	return c.Options.KeyPrefix + ":" + strings.Join(parts, ":")
}

// parseInfoField returns an integer field of an INFO section.
func parseInfoField(info, field string) (int, error) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		name, value, ok := strings.Cut(line, ":")
		if !ok || name != field {
			continue
		}
		return strconv.Atoi(value)
	}
	return 0, fmt.Errorf("field %q not in INFO reply", field)
}
