package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type opKind int

const (
	opKeep opKind = iota
	opPut
	opRemove
	opAbort
)

// Mutation is a side write committed in the same MULTI/EXEC as a transaction's own key.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

func Set(key string, value []byte) Mutation { return Mutation{Key: key, Value: value} }

func Del(key string) Mutation { return Mutation{Key: key, Delete: true} }

// Decision is what a TxFunc wants done with the watched key.
type Decision struct {
	kind  opKind
	value []byte
	side  []Mutation
}

func Put(value []byte) Decision { return Decision{kind: opPut, value: value} }

// Keep leaves the key unchanged (still a commit).
func Keep() Decision { return Decision{kind: opKeep} }

func Remove() Decision { return Decision{kind: opRemove} }

// Abort ends the transaction without committing anything.
func Abort() Decision { return Decision{kind: opAbort} }

// With attaches side writes. They commit only if the watched key was not changed
// concurrently, so they are atomic with the decision.
func (d Decision) With(m ...Mutation) Decision {
	d.side = append(append([]Mutation(nil), d.side...), m...)
	return d
}

// TxFunc receives the current value and decides. It may run more than once when
// concurrent writers force a retry, so it must not have side effects.
type TxFunc func(current []byte, exists bool) Decision

type TxResult struct {
	Committed bool
	Value     []byte
	Exists    bool
}

// Transact runs fn against the latest value of key and commits its decision atomically.
// Conflicts with concurrent writers are retried until uncontended.
func (c *Client) Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error) {
	if err := c.ensureOpen(); err != nil {
		return TxResult{}, err
	}
	rk := c.key(key)
	var (
		res TxResult
		dec Decision
	)
	err := c.withRetry(ctx, "transact", func() error {
		for attempt := 1; ; attempt++ {
			err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
				cur, exists, err := getBytes(ctx, tx, rk)
				if err != nil {
					return err
				}
				dec = fn(cur, exists)
				if dec.kind == opAbort {
					res = TxResult{Committed: false, Value: cur, Exists: exists}
					return nil
				}
				if dec.kind == opKeep && len(dec.side) == 0 {
					res = TxResult{Committed: true, Value: cur, Exists: exists}
					return nil
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					switch dec.kind {
					case opPut:
						p.Set(ctx, rk, dec.value, c.opts.RecordTTL)
					case opRemove:
						p.Del(ctx, rk)
					}
					for _, m := range dec.side {
						if m.Delete {
							p.Del(ctx, c.key(m.Key))
						} else {
							p.Set(ctx, c.key(m.Key), m.Value, c.opts.RecordTTL)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				switch dec.kind {
				case opPut:
					res = TxResult{Committed: true, Value: dec.value, Exists: true}
				case opRemove:
					res = TxResult{Committed: true}
				default:
					res = TxResult{Committed: true, Value: cur, Exists: exists}
				}
				return nil
			}, rk)
			if errors.Is(err, redis.TxFailedErr) {
				if attempt >= c.opts.TxMaxAttempts {
					return fmt.Errorf("%w: %s after %d attempts", ErrContended, key, attempt)
				}
				c.log.Debug("store_tx_retry", zap.String("key", key), zap.Int("attempt", attempt))
				continue
			}
			return err
		}
	})
	if err != nil {
		return TxResult{}, err
	}
	if res.Committed {
		var changed []string
		if dec.kind == opPut || dec.kind == opRemove {
			changed = append(changed, key)
		}
		for _, m := range dec.side {
			changed = append(changed, m.Key)
		}
		c.notify(ctx, changed...)
	}
	return res, nil
}

func getBytes(ctx context.Context, tx *redis.Tx, key string) ([]byte, bool, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
