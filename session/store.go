package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps Redis transport failures so callers can separate
// infrastructure outage from a definitive miss.
var ErrUnavailable = errors.New("session store unavailable")

// ErrCorrupt is returned when a stored session blob cannot be interpreted.
var ErrCorrupt = errors.New("session record corrupt")

const (
	mutateStatusNotFound  int64 = 0
	mutateStatusApplied   int64 = 1
	mutateStatusRevokedAt int64 = 2
	mutateStatusCorrupt   int64 = -1
)

// luaHelpers is shared by the mutation scripts. Both splice fields inside
// the fixed-width timestamp trailer (see encoder.go) after re-checking
// ownership and liveness under the script's atomicity.
const luaHelpers = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function write_be64(n)
  local bytes = {}
  for i = 8, 1, -1 do
    bytes[i] = string.char(n % 256)
    n = math.floor(n / 256)
  end
  return table.concat(bytes)
end

local function owner_of(data)
  local plen = string.byte(data, 2)
  if not plen or #data < 2 + plen then
    return nil
  end
  return string.sub(data, 3, 2 + plen)
end
`

const revokeScript = luaHelpers + `
local session_key = KEYS[1]
local index_key = KEYS[2]
local session_id = ARGV[1]
local principal_id = ARGV[2]
local now_unix = tonumber(ARGV[3])

local data = redis.call("GET", session_key)
if not data then
  redis.call("SREM", index_key, session_id)
  return 0
end

local owner = owner_of(data)
if not owner then
  return -1
end
if owner ~= principal_id then
  return 0
end

local expires_at = read_be64(data, #data - 23)
if not expires_at then
  return -1
end
if expires_at <= now_unix then
  redis.call("SREM", index_key, session_id)
  return 0
end

local revoked_at = read_be64(data, #data - 7)
if revoked_at and revoked_at > 0 then
  redis.call("SREM", index_key, session_id)
  return 2
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("SREM", index_key, session_id)
  return 0
end

local updated = string.sub(data, 1, #data - 8) .. write_be64(now_unix)
redis.call("SET", session_key, updated, "PX", ttl)
redis.call("SREM", index_key, session_id)
return 1
`

const touchScript = luaHelpers + `
local session_key = KEYS[1]
local principal_id = ARGV[1]
local now_unix = tonumber(ARGV[2])

local data = redis.call("GET", session_key)
if not data then
  return 0
end

local owner = owner_of(data)
if not owner then
  return -1
end
if owner ~= principal_id then
  return 0
end

local expires_at = read_be64(data, #data - 23)
if not expires_at then
  return -1
end
if expires_at <= now_unix then
  return 0
end

local revoked_at = read_be64(data, #data - 7)
if revoked_at and revoked_at > 0 then
  return 2
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  return 0
end

local updated = string.sub(data, 1, #data - 16) .. write_be64(now_unix) .. string.sub(data, #data - 7)
redis.call("SET", session_key, updated, "PX", ttl)
return 1
`

var (
	revokeLua = redis.NewScript(revokeScript)
	touchLua  = redis.NewScript(touchScript)
)

// Store persists sessions in Redis. Every read or mutation is scoped to
// the (session id, principal, tenant) triple; a session owned by a
// different principal is reported exactly like a missing one.
//
// Revocation writes a tombstone instead of deleting: the blob stays until
// its TTL (absolute expiry plus the retention window) so forensics and
// replay handling can still observe it.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the key namespace; retention controls how long a session
// blob outlives its absolute expiry.
func NewStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *Store {
	return &Store{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Store) key(tenantID, sessionID string) string {
	return s.prefix + ":" + tenantID + ":" + sessionID
}

func (s *Store) indexKey(tenantID, principalID string) string {
	return s.prefix + ":idx:" + tenantID + ":" + principalID
}

// Save persists a new session. The Redis TTL covers the absolute lifetime
// plus the retention window.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(time.Unix(sess.ExpiresAt, 0)) + s.retention
	if ttl <= 0 {
		return errors.New("session already past absolute expiry")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.TenantID, sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.indexKey(sess.TenantID, sess.PrincipalID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Get fetches a session scoped to the ownership triple. A missing,
// expired, or foreign session returns redis.Nil. A revoked session is
// returned with RevokedAt set; callers decide via [Session.Alive].
func (s *Store) Get(ctx context.Context, tenantID, principalID, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sess.SessionID = sessionID

	if sess.PrincipalID != principalID || sess.TenantID != tenantID {
		return nil, redis.Nil
	}
	if sess.ExpiresAt <= time.Now().Unix() {
		return nil, redis.Nil
	}

	return sess, nil
}

// Touch updates LastSeenAt without moving the absolute expiry or the key
// TTL horizon.
func (s *Store) Touch(ctx context.Context, tenantID, principalID, sessionID string) error {
	res, err := touchLua.Run(ctx, s.redis,
		[]string{s.key(tenantID, sessionID)},
		principalID,
		time.Now().Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch res {
	case mutateStatusApplied:
		return nil
	case mutateStatusRevokedAt:
		return redis.Nil
	case mutateStatusCorrupt:
		return ErrCorrupt
	default:
		return redis.Nil
	}
}

// Revoke writes the revocation tombstone and drops the session from the
// principal index. Revoking an already revoked session is a no-op;
// revoking a missing, expired, or foreign session reports redis.Nil.
func (s *Store) Revoke(ctx context.Context, tenantID, principalID, sessionID string) error {
	res, err := revokeLua.Run(ctx, s.redis,
		[]string{s.key(tenantID, sessionID), s.indexKey(tenantID, principalID)},
		sessionID,
		principalID,
		time.Now().Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch res {
	case mutateStatusApplied, mutateStatusRevokedAt:
		return nil
	case mutateStatusCorrupt:
		return ErrCorrupt
	default:
		return redis.Nil
	}
}

// RevokeAllForPrincipal revokes every indexed session of the principal and
// returns how many were newly revoked.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, tenantID, principalID string) (int, error) {
	indexKey := s.indexKey(tenantID, principalID)

	sessionIDs, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var revoked int
	for _, sessionID := range sessionIDs {
		res, err := revokeLua.Run(ctx, s.redis,
			[]string{s.key(tenantID, sessionID), indexKey},
			sessionID,
			principalID,
			time.Now().Unix(),
		).Int64()
		if err != nil {
			return revoked, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if res == mutateStatusApplied {
			revoked++
		}
	}

	if err := s.redis.Del(ctx, indexKey).Err(); err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return revoked, nil
}

// ActiveSessionIDs returns the indexed session IDs for a principal. The
// index may briefly contain dead entries; GetManyOwned filters them.
func (s *Store) ActiveSessionIDs(ctx context.Context, tenantID, principalID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(tenantID, principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// ActiveSessionCount returns the size of the principal's session index.
func (s *Store) ActiveSessionCount(ctx context.Context, tenantID, principalID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.indexKey(tenantID, principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// GetManyOwned pipeline-fetches the given sessions and returns only those
// owned by the principal and still alive. Index entries whose blob is
// gone are pruned as a side effect.
func (s *Store) GetManyOwned(ctx context.Context, tenantID, principalID string, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(tenantID, sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	nowUnix := time.Now().Unix()
	sessions := make([]*Session, 0, len(sessionIDs))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, sessionIDs[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, decErr)
		}
		sess.SessionID = sessionIDs[i]

		if sess.PrincipalID != principalID || sess.TenantID != tenantID {
			continue
		}
		if !sess.Alive(nowUnix) {
			continue
		}
		sessions = append(sessions, sess)
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, s.indexKey(tenantID, principalID), stale...).Err()
	}

	return sessions, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
