package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Deferred is a write the store performs after its registering connection goes away.
// Delete removes the record; otherwise Patch is merged into it and Incr (a field name)
// is incremented. When limits it to records whose fields currently equal the given values.
type Deferred struct {
	Delete bool           `json:"delete,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
	When   map[string]any `json:"when,omitempty"`
	Incr   string         `json:"incr,omitempty"`
	// Key is the record written. Empty means the entry's name.
	Key string `json:"key,omitempty"`
}

func (d Deferred) target(name string) string {
	if d.Key != "" {
		return d.Key
	}
	return name
}

// DeferOnDisconnect registers d against key for this connection, replacing any earlier
// registration on the same key.
func (c *Client) DeferOnDisconnect(ctx context.Context, key string, d Deferred) error {
	return c.DeferOnDisconnectAs(ctx, key, key, d)
}

// DeferOnDisconnectAs registers d on key under name. Entries with different names on the
// same key coexist; CancelDeferred takes the name.
func (c *Client) DeferOnDisconnectAs(ctx context.Context, name, key string, d Deferred) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	d.Key = key
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode deferred write: %w", err)
	}
	hk := c.deferredKey(c.connID)
	return c.withRetry(ctx, "defer", func() error {
		_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, hk, name, raw)
			p.SAdd(ctx, c.ownersKey(), c.connID)
			if c.opts.RecordTTL > 0 {
				p.Expire(ctx, hk, c.opts.RecordTTL)
			}
			return nil
		})
		return err
	})
}

// CancelDeferred drops this connection's deferred entry name, if any.
func (c *Client) CancelDeferred(ctx context.Context, name string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.withRetry(ctx, "cancel_deferred", func() error {
		return c.rdb.HDel(ctx, c.deferredKey(c.connID), name).Err()
	})
}

func (c *Client) heartbeat() {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.hbStop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.Heartbeat)
			pk := c.presenceKey(c.connID)
			ok, err := c.rdb.PExpire(ctx, pk, c.opts.PresenceTTL).Result()
			if err == nil && !ok {
				// lapsed: deferred writes registered so far may already have run
				c.log.Warn("store_presence_lapsed")
				err = c.rdb.Set(ctx, pk, "1", c.opts.PresenceTTL).Err()
			}
			cancel()
			if err != nil {
				c.log.Warn("store_heartbeat_error", zap.Error(err))
			}
		}
	}
}

func (c *Client) stopHeartbeat() {
	c.hbOnce.Do(func() { close(c.hbStop) })
}

var errDeferredShape = errors.New("record is not a JSON object")

// applyDeferred performs d against key in one transaction. It reports whether anything
// was written.
func (c *Client) applyDeferred(ctx context.Context, key string, d Deferred, create bool) (bool, error) {
	var shapeErr error
	res, err := c.Transact(ctx, key, func(cur []byte, exists bool) Decision {
		shapeErr = nil
		obj := map[string]any{}
		if !exists {
			if d.Delete || len(d.When) > 0 || !create {
				return Abort()
			}
		} else if err := decodeObject(cur, &obj); err != nil {
			shapeErr = err
			return Abort()
		}
		if !fieldsMatch(obj, d.When) {
			return Abort()
		}
		if d.Delete {
			return Remove()
		}
		for k, v := range d.Patch {
			obj[k] = v
		}
		if d.Incr != "" {
			obj[d.Incr] = toInt64(obj[d.Incr]) + 1
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			shapeErr = err
			return Abort()
		}
		return Put(raw)
	})
	if err != nil {
		return false, err
	}
	if shapeErr != nil {
		return false, fmt.Errorf("%s: %w", key, shapeErr)
	}
	return res.Committed, nil
}

func decodeObject(raw []byte, obj *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(obj); err != nil || *obj == nil {
		return errDeferredShape
	}
	return nil
}

func fieldsMatch(obj, when map[string]any) bool {
	for k, want := range when {
		a, errA := json.Marshal(obj[k])
		b, errB := json.Marshal(want)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
