package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// RedisCapacityStore keeps one JSON capacity document per ticket type
// under "<prefix>:{ticketTypeID}" and a sorted set "<prefix>:holds:expiry"
// that indexes every outstanding hold by its expiry (score in Unix
// milliseconds).  Transactions use WATCH + MULTI/EXEC: the document is
// read under WATCH, the caller's function mutates a copy and the write
// plus the index update are queued in one EXEC.  If another client
// touched the document in between, EXEC fails with redis.TxFailedErr and
// the function is re-run on fresh data.
type RedisCapacityStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCapacityStore returns a store using keys under prefix
// ("capacity" when empty).
func NewRedisCapacityStore(rdb *redis.Client, prefix string) *RedisCapacityStore {
	if prefix == "" {
		prefix = "capacity"
	}
	return &RedisCapacityStore{rdb: rdb, prefix: prefix}
}

func (s *RedisCapacityStore) docKey(ticketTypeID string) string {
	return s.prefix + ":{" + ticketTypeID + "}"
}

func (s *RedisCapacityStore) indexKey() string { return s.prefix + ":holds:expiry" }

// Init creates the document with SETNX so concurrent initialisers agree.
func (s *RedisCapacityStore) Init(ctx context.Context, ticketTypeID string, capacity int) (bool, error) {
	raw, err := json.Marshal(model.CapacityDoc{Capacity: capacity})
	if err != nil {
		return false, err
	}
	created, err := s.rdb.SetNX(ctx, s.docKey(ticketTypeID), raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("init capacity %s: %w", ticketTypeID, err)
	}
	return created, nil
}

// Get reads the document without a transaction.
func (s *RedisCapacityStore) Get(ctx context.Context, ticketTypeID string) (model.CapacityDoc, error) {
	raw, err := s.rdb.Get(ctx, s.docKey(ticketTypeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CapacityDoc{}, model.ErrTicketTypeNotFound
	}
	if err != nil {
		return model.CapacityDoc{}, fmt.Errorf("get capacity %s: %w", ticketTypeID, err)
	}
	var doc model.CapacityDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.CapacityDoc{}, fmt.Errorf("decode capacity %s: %w", ticketTypeID, err)
	}
	return doc, nil
}

// RunTx runs fn inside an optimistic transaction on one document.  An
// error from fn aborts without writing and is returned as is.
func (s *RedisCapacityStore) RunTx(ctx context.Context, ticketTypeID string, fn func(*model.CapacityDoc) error) error {
	key := s.docKey(ticketTypeID)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var fnErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				fnErr = model.ErrTicketTypeNotFound
				return fnErr
			}
			if err != nil {
				return err
			}
			var before model.CapacityDoc
			if err := json.Unmarshal(raw, &before); err != nil {
				return fmt.Errorf("decode capacity %s: %w", ticketTypeID, err)
			}
			after := before.Clone()
			if err := fn(&after); err != nil {
				fnErr = err
				return err
			}
			encoded, err := json.Marshal(after)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				for _, change := range diffEntries(before, after) {
					member := indexMember(model.HoldKey{TicketTypeID: ticketTypeID, BuyerID: change.buyerID})
					if change.removed {
						pipe.ZRem(ctx, s.indexKey(), member)
						continue
					}
					pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(change.expiresAt.UnixMilli()), Member: member})
				}
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("capacity tx %s: %w", ticketTypeID, err)
		}
	}
	return ErrTxConflict
}

// DueHolds reads up to limit index members with expiry at or before now.
func (s *RedisCapacityStore) DueHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldKey, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan hold expiry index: %w", err)
	}
	keys := make([]model.HoldKey, 0, len(members))
	for _, m := range members {
		k, err := parseIndexMember(m)
		if err != nil {
			// unreadable members would be returned forever; drop them
			_ = s.rdb.ZRem(ctx, s.indexKey(), m).Err()
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// DropIndex removes a key from the expiry index.
func (s *RedisCapacityStore) DropIndex(ctx context.Context, key model.HoldKey) error {
	return s.rdb.ZRem(ctx, s.indexKey(), indexMember(key)).Err()
}

func indexMember(k model.HoldKey) string {
	b, _ := json.Marshal([2]string{k.TicketTypeID, k.BuyerID})
	return string(b)
}

func parseIndexMember(m string) (model.HoldKey, error) {
	var parts [2]string
	if err := json.Unmarshal([]byte(m), &parts); err != nil {
		return model.HoldKey{}, err
	}
	return model.HoldKey{TicketTypeID: parts[0], BuyerID: parts[1]}, nil
}
