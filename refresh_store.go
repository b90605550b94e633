package tessera

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const refreshKeyPrefix = "rt"

// refreshRecord is the server-side state behind one refresh token,
// keyed by the token's jti. TokenHash pins the record to the exact
// presented string; the claims alone never authorize a rotation.
type refreshRecord struct {
	PrincipalID string
	TenantID    string
	SessionID   string
	TokenHash   [32]byte
	ExpiresAt   int64
}

type rotateStatus int

const (
	rotateMissing rotateStatus = iota
	rotateApplied
	rotateReplayed
	rotateMismatch
)

// rotateScript is the single-use compare-and-set. The used marker is
// written exactly once; any later presentation of the same jti reports
// replayed together with the ownership triple so the caller can revoke
// everything the principal holds.
const rotateScript = `
local key = KEYS[1]
local presented = ARGV[1]
local now = tonumber(ARGV[2])

if redis.call("EXISTS", key) == 0 then
  return {0}
end
if redis.call("HGET", key, "th") ~= presented then
  return {3}
end

local pid = redis.call("HGET", key, "pid")
local tid = redis.call("HGET", key, "tid")
local sid = redis.call("HGET", key, "sid")

local used = tonumber(redis.call("HGET", key, "used"))
if used and used > 0 then
  return {2, pid, tid, sid}
end

local exp = tonumber(redis.call("HGET", key, "exp"))
if exp and exp <= now then
  return {0}
end

redis.call("HSET", key, "used", now)
return {1, pid, tid, sid}
`

var rotateLua = redis.NewScript(rotateScript)

// refreshStore persists one record per issued refresh token. Used
// records are kept until natural expiry plus the retention window so a
// replayed token is recognized as replayed, not unknown.
type refreshStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func newRefreshStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *refreshStore {
	return &refreshStore{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *refreshStore) key(jti string) string {
	return s.prefix + ":" + refreshKeyPrefix + ":" + jti
}

func (s *refreshStore) Create(ctx context.Context, jti string, rec *refreshRecord) error {
	ttl := time.Until(time.Unix(rec.ExpiresAt, 0)) + s.retention
	if ttl <= 0 {
		return storeUnavailable(redis.Nil)
	}

	key := s.key(jti)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"pid", rec.PrincipalID,
			"tid", rec.TenantID,
			"sid", rec.SessionID,
			"th", hex.EncodeToString(rec.TokenHash[:]),
			"exp", strconv.FormatInt(rec.ExpiresAt, 10),
			"used", "0",
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// Rotate marks the record used if and only if it exists, matches the
// presented token hash, and has never been used. On rotateApplied and
// rotateReplayed the returned record carries the ownership triple.
func (s *refreshStore) Rotate(ctx context.Context, jti string, tokenHash [32]byte) (rotateStatus, *refreshRecord, error) {
	res, err := rotateLua.Run(ctx, s.redis,
		[]string{s.key(jti)},
		hex.EncodeToString(tokenHash[:]),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return rotateMissing, nil, storeUnavailable(err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return rotateMissing, nil, storeUnavailable(redis.Nil)
	}
	status, _ := parts[0].(int64)

	switch rotateStatus(status) {
	case rotateApplied, rotateReplayed:
		if len(parts) < 4 {
			return rotateMissing, nil, storeUnavailable(redis.Nil)
		}
		rec := &refreshRecord{}
		rec.PrincipalID, _ = parts[1].(string)
		rec.TenantID, _ = parts[2].(string)
		rec.SessionID, _ = parts[3].(string)
		return rotateStatus(status), rec, nil
	case rotateMismatch:
		return rotateMismatch, nil, nil
	default:
		return rotateMissing, nil, nil
	}
}
