package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/maddy1092/ottu-ws/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

const (
	fieldMerchant   = "merchant_id"
	fieldUser       = "user_id"
	fieldExpiration = "expiration_time"
)

// putScript replaces a registration and moves its index memberships.
// KEYS: [1]=registration hash
// ARGV: [1]=connection id, [2]=merchant, [3]=user, [4]=expiration, [5]=key prefix
var putScript = goredis.NewScript(`
local prefix = ARGV[5]
local old = redis.call('HMGET', KEYS[1], 'merchant_id', 'user_id')
if old[1] then
  redis.call('SREM', prefix .. 'merchant:' .. old[1], ARGV[1])
  if old[2] then
    redis.call('SREM', prefix .. 'merchant:' .. old[1] .. ':user:' .. old[2], ARGV[1])
  end
end
redis.call('HSET', KEYS[1], 'merchant_id', ARGV[2], 'user_id', ARGV[3], 'expiration_time', ARGV[4])
redis.call('SADD', prefix .. 'merchant:' .. ARGV[2], ARGV[1])
redis.call('SADD', prefix .. 'merchant:' .. ARGV[2] .. ':user:' .. ARGV[3], ARGV[1])
return 1
`)

// deleteScript removes a registration and its index memberships.
// KEYS: [1]=registration hash
// ARGV: [1]=connection id, [2]=key prefix
var deleteScript = goredis.NewScript(`
local prefix = ARGV[2]
local old = redis.call('HMGET', KEYS[1], 'merchant_id', 'user_id')
if old[1] then
  redis.call('SREM', prefix .. 'merchant:' .. old[1], ARGV[1])
  if old[2] then
    redis.call('SREM', prefix .. 'merchant:' .. old[1] .. ':user:' .. old[2], ARGV[1])
  end
end
return redis.call('DEL', KEYS[1])
`)

// pruneScript drops index members whose registration hash no longer exists.
// KEYS: [1]=index set
// ARGV: [1]=key prefix, [2..n]=connection ids
var pruneScript = goredis.NewScript(`
local removed = 0
for i = 2, #ARGV do
  if redis.call('EXISTS', ARGV[1] .. 'registration:' .. ARGV[i]) == 0 then
    removed = removed + redis.call('SREM', KEYS[1], ARGV[i])
  end
end
return removed
`)

// RegistryStore keeps registrations in Redis under a namespace prefix.
type RegistryStore struct {
	rdb    *goredis.Client
	prefix string
}

func NewRegistryStore(rdb *goredis.Client, namespace string) *RegistryStore {
	return &RegistryStore{rdb: rdb, prefix: namespace + ":"}
}

func (s *RegistryStore) registrationKey(connectionID string) string {
	return s.prefix + "registration:" + connectionID
}

func (s *RegistryStore) indexKey(merchantID, userID string) string {
	if userID == "" {
		return s.prefix + "merchant:" + merchantID
	}
	return s.prefix + "merchant:" + merchantID + ":user:" + userID
}

func (s *RegistryStore) Put(ctx context.Context, reg domain.Registration) error {
	err := putScript.Run(ctx, s.rdb, []string{s.registrationKey(reg.ConnectionID)},
		reg.ConnectionID,
		reg.MerchantID,
		reg.UserID,
		reg.ExpirationTime.UTC().Format(time.RFC3339Nano),
		s.prefix,
	).Err()
	return domain.NewStoreError("put", err)
}

func (s *RegistryStore) Delete(ctx context.Context, connectionID string) error {
	err := deleteScript.Run(ctx, s.rdb, []string{s.registrationKey(connectionID)}, connectionID, s.prefix).Err()
	return domain.NewStoreError("delete", err)
}

// Scan walks the index set of the filter with SSCAN and loads the matching
// hashes in one pipeline. The continuation is the SSCAN cursor. SSCAN may
// return a member more than once across pages.
func (s *RegistryStore) Scan(ctx context.Context, filter domain.ScanFilter) (domain.ScanPage, error) {
	var cursor uint64
	if filter.Cursor != "" {
		c, err := strconv.ParseUint(filter.Cursor, 10, 64)
		if err != nil {
			return domain.ScanPage{}, domain.NewStoreError("scan", fmt.Errorf("invalid cursor %q: %w", filter.Cursor, err))
		}
		cursor = c
	}
	count := int64(filter.Limit)
	if count <= 0 {
		count = defaultScanCount
	}

	index := s.indexKey(filter.MerchantID, filter.UserID)
	ids, next, err := s.rdb.SScan(ctx, index, cursor, "", count).Result()
	if err != nil {
		return domain.ScanPage{}, domain.NewStoreError("scan", err)
	}

	page := domain.ScanPage{}
	if next != 0 {
		page.Next = strconv.FormatUint(next, 10)
	}
	if len(ids) == 0 {
		return page, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.registrationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.ScanPage{}, domain.NewStoreError("scan", err)
	}

	pruneArgs := []any{s.prefix}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			pruneArgs = append(pruneArgs, ids[i])
			continue
		}
		reg, err := parseRegistration(ids[i], fields)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unreadable registration", "connection_id", ids[i], "error", err)
			continue
		}
		page.Registrations = append(page.Registrations, reg)
	}

	if len(pruneArgs) > 1 {
		if err := pruneScript.Run(ctx, s.rdb, []string{index}, pruneArgs...).Err(); err != nil {
			slog.WarnContext(ctx, "Failed to prune stale index members", "index", index, "error", err)
		}
	}

	return page, nil
}

func (s *RegistryStore) Ping(ctx context.Context) error {
	return domain.NewStoreError("ping", s.rdb.Ping(ctx).Err())
}

func parseRegistration(connectionID string, fields map[string]string) (domain.Registration, error) {
	reg := domain.Registration{
		ConnectionID: connectionID,
		MerchantID:   fields[fieldMerchant],
		UserID:       fields[fieldUser],
	}
	if raw := fields[fieldExpiration]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Registration{}, fmt.Errorf("parse %s: %w", fieldExpiration, err)
		}
		reg.ExpirationTime = ts
	}
	return reg, nil
}
