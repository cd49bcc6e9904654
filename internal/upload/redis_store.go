package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Scripts keep each session mutation atomic. KEYS[1] is the session hash and
// KEYS[2] the received-chunk set.
var (
	createScript = redis.NewScript(`
local updated = redis.call('HGET', KEYS[1], 'updated_at')
if updated and tonumber(updated) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)
	markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)
	finalizeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'finalized')
if not current then
	return -1
end
if ARGV[1] == '1' and current == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'finalized', ARGV[1], 'updated_at', ARGV[2])
return 1
`)
)

// RedisStore keeps each session in a hash with a companion set of received
// chunk indices. An index set lists every known session id for sweeping.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "vodforge:upload:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Session and chunk keys share a hash tag so cluster deployments keep them in
// one slot for the scripts.
func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:{" + id + "}" }
func (r *RedisStore) chunksKey(id string) string  { return r.prefix + "session:{" + id + "}:chunks" }
func (r *RedisStore) indexKey() string            { return r.prefix + "sessions" }

func (r *RedisStore) Create(ctx context.Context, s Session, staleBefore time.Time) error {
	args := append([]any{staleBefore.UnixNano()}, encodeSession(s)...)
	keys := []string{r.sessionKey(s.ID), r.chunksKey(s.ID)}
	created, err := createScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return ErrDuplicateSession
	}
	if len(s.Received) > 0 {
		members := make([]any, len(s.Received))
		for i, idx := range s.Received {
			members[i] = idx
		}
		if err := r.client.SAdd(ctx, r.chunksKey(s.ID), members...).Err(); err != nil {
			return fmt.Errorf("create session chunks: %w", err)
		}
	}
	return r.client.SAdd(ctx, r.indexKey(), s.ID).Err()
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return Session{}, ErrUnknownSession
	}
	members, err := r.client.SMembers(ctx, r.chunksKey(id)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("load session chunks: %w", err)
	}
	return decodeSession(id, fields, members)
}

func (r *RedisStore) MarkReceived(ctx context.Context, id string, index int, at time.Time) (Session, error) {
	keys := []string{r.sessionKey(id), r.chunksKey(id)}
	ok, err := markScript.Run(ctx, r.client, keys, index, at.UnixNano()).Int()
	if err != nil {
		return Session{}, fmt.Errorf("mark chunk received: %w", err)
	}
	if ok == 0 {
		return Session{}, ErrUnknownSession
	}
	return r.Get(ctx, id)
}

func (r *RedisStore) SetFinalized(ctx context.Context, id string, finalized bool, at time.Time) error {
	keys := []string{r.sessionKey(id), r.chunksKey(id)}
	result, err := finalizeScript.Run(ctx, r.client, keys, boolFlag(finalized), at.UnixNano()).Int()
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	switch result {
	case -1:
		return ErrUnknownSession
	case 0:
		return ErrAlreadyFinalized
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(id), r.chunksKey(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	return err
}

func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrUnknownSession) {
			_ = r.client.SRem(ctx, r.indexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// encodeSession flattens s into alternating hash field names and values.
func encodeSession(s Session) []any {
	return []any{
		"filename", s.Filename,
		"total_size", s.TotalSize,
		"chunk_size", s.ChunkSize,
		"total_chunks", s.TotalChunks,
		"mime_type", s.MimeType,
		"title", s.Title,
		"description", s.Description,
		"finalized", boolFlag(s.Finalized),
		"created_at", s.CreatedAt.UnixNano(),
		"updated_at", s.UpdatedAt.UnixNano(),
	}
}

func decodeSession(id string, fields map[string]string, members []string) (Session, error) {
	s := Session{
		ID:          id,
		Filename:    fields["filename"],
		MimeType:    fields["mime_type"],
		Title:       fields["title"],
		Description: fields["description"],
		Finalized:   fields["finalized"] == "1",
	}
	var err error
	parseInt := func(name string) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			err = fmt.Errorf("session %s field %s: %w", id, name, err)
		}
		return v
	}
	s.TotalSize = parseInt("total_size")
	s.ChunkSize = parseInt("chunk_size")
	s.TotalChunks = int(parseInt("total_chunks"))
	s.CreatedAt = time.Unix(0, parseInt("created_at")).UTC()
	s.UpdatedAt = time.Unix(0, parseInt("updated_at")).UTC()
	if err != nil {
		return Session{}, err
	}
	s.Received = make([]int, 0, len(members))
	for _, m := range members {
		idx, convErr := strconv.Atoi(m)
		if convErr != nil {
			return Session{}, fmt.Errorf("session %s chunk %q: %w", id, m, convErr)
		}
		s.Received = append(s.Received, idx)
	}
	sort.Ints(s.Received)
	return s, nil
}
