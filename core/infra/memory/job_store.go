package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/tenantgate/core/jobs"
)

const (
	jobKeyPrefix         = "job:"
	tenantIndexKeyPrefix = "jobs:tenant:"
	statusIndexKeyPrefix = "job:index:"
	completedIndexKey    = "job:completed"

	defaultListLimit = 50
	maxListLimit     = 200
)

// transitionScript is the compare-and-swap on a job's status. It moves the
// job between the queued/running/completed indexes in the same step.
//
// KEYS: job hash, queued index, running index, completed index
// ARGV: from, to, now_ms, set_result, result, set_error, error, attempts fence
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
if status ~= ARGV[1] then return -1 end
if ARGV[8] ~= '0' and (redis.call('HGET', KEYS[1], 'attempts') or '0') ~= ARGV[8] then return -2 end
local to = ARGV[2]
local now = ARGV[3]
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('HSET', KEYS[1], 'status', to, 'updated_at', now)
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
if to == 'running' then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
  redis.call('HSET', KEYS[1], 'started_at', now)
  redis.call('ZADD', KEYS[3], now, id)
elseif to == 'queued' then
  redis.call('HDEL', KEYS[1], 'started_at')
  redis.call('ZADD', KEYS[2], now, id)
else
  redis.call('HSET', KEYS[1], 'completed_at', now)
  redis.call('ZADD', KEYS[4], now, id)
end
if ARGV[4] == '1' then redis.call('HSET', KEYS[1], 'result', ARGV[5]) end
if ARGV[6] == '1' then redis.call('HSET', KEYS[1], 'error', ARGV[7]) end
return redis.call('HGETALL', KEYS[1])
`)

// RedisJobStore implements jobs.Store backed by Redis hashes and sorted sets.
//
//	job:<id>                hash with every Job field
//	jobs:tenant:<tenant>    zset of job ids scored by created_at (ms)
//	job:index:queued        zset scored by queued-since (ms)
//	job:index:running       zset scored by started_at (ms)
//	job:completed           zset scored by completed_at (ms)
type RedisJobStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ jobs.Store = (*RedisJobStore)(nil)

// NewRedisJobStore wraps an already connected client.
func NewRedisJobStore(client redis.UniversalClient) *RedisJobStore {
	return &RedisJobStore{client: client, now: time.Now}
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Create persists a queued job and indexes it under its tenant in one transaction.
func (s *RedisJobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.ID == "" || job.TenantID == "" {
		return fmt.Errorf("job id and tenant required")
	}
	if job.Status != jobs.StatusQueued {
		return fmt.Errorf("new job must be queued, got %q", job.Status)
	}
	created := job.CreatedAt.UnixMilli()
	fields := map[string]any{
		"id":         job.ID,
		"tenant_id":  job.TenantID,
		"type":       job.Type,
		"status":     string(job.Status),
		"priority":   string(job.Priority),
		"queue":      job.Queue,
		"payload":    string(job.Payload),
		"attempts":   job.Attempts,
		"created_at": created,
		"updated_at": created,
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	pipe.ZAdd(ctx, tenantIndexKey(job.TenantID), redis.Z{Score: float64(created), Member: job.ID})
	pipe.ZAdd(ctx, statusIndexKey(jobs.StatusQueued), redis.Z{Score: float64(created), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job only when it belongs to tenantID.
func (s *RedisJobStore) Get(ctx context.Context, tenantID, jobID string) (*jobs.Job, error) {
	if tenantID == "" || jobID == "" {
		return nil, jobs.ErrNotFound
	}
	fields, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 || fields["tenant_id"] != tenantID {
		return nil, jobs.ErrNotFound
	}
	return jobFromHash(fields)
}

// List returns one page of the tenant's jobs, newest first.
func (s *RedisJobStore) List(ctx context.Context, tenantID string, opts jobs.ListOptions) (jobs.Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	cur, err := decodeCursor(opts.Cursor)
	if err != nil {
		return jobs.Page{}, err
	}
	key := tenantIndexKey(tenantID)

	maxScore := "+inf"
	if cur != nil {
		maxScore = strconv.FormatInt(cur.score, 10)
	}
	want := limit + 1
	var members []redis.Z
	var offset int64
	for len(members) < want {
		batch, err := s.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Max:    maxScore,
			Min:    "-inf",
			Offset: offset,
			Count:  int64(want),
		}).Result()
		if err != nil {
			return jobs.Page{}, fmt.Errorf("list jobs: %w", err)
		}
		offset += int64(len(batch))
		for _, z := range batch {
			id, _ := z.Member.(string)
			if cur != nil && int64(z.Score) == cur.score && id >= cur.id {
				continue
			}
			members = append(members, z)
			if len(members) == want {
				break
			}
		}
		if len(batch) < want {
			break
		}
	}

	page := jobs.Page{Jobs: []*jobs.Job{}}
	if len(members) > limit {
		last := members[limit-1]
		page.NextCursor = encodeCursor(int64(last.Score), last.Member.(string))
		members = members[:limit]
	}
	hydrated, err := s.hydrate(ctx, members)
	if err != nil {
		return jobs.Page{}, err
	}
	for _, job := range hydrated {
		if job.TenantID == tenantID {
			page.Jobs = append(page.Jobs, job)
		}
	}
	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return jobs.Page{}, fmt.Errorf("count jobs: %w", err)
	}
	page.Total = total
	return page, nil
}

// Jobs lazily walks every job of the tenant, newest first. Each range over
// the returned sequence starts again from the newest job.
func (s *RedisJobStore) Jobs(ctx context.Context, tenantID string, pageSize int) iter.Seq2[*jobs.Job, error] {
	return func(yield func(*jobs.Job, error) bool) {
		cursor := ""
		for {
			page, err := s.List(ctx, tenantID, jobs.ListOptions{Limit: pageSize, Cursor: cursor})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, job := range page.Jobs {
				if !yield(job, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Transition atomically moves a job from one status to another. It fails
// with jobs.ErrConflict when the stored status is not from, or when
// upd.Attempts is set and no longer matches the stored attempt counter.
func (s *RedisJobStore) Transition(ctx context.Context, jobID string, from, to jobs.Status, upd jobs.Update) (*jobs.Job, error) {
	if !jobs.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	setResult, setError := "0", "0"
	if upd.Result != nil {
		setResult = "1"
	}
	if upd.Error != "" || to == jobs.StatusQueued {
		setError = "1"
	}
	keys := []string{
		jobKey(jobID),
		statusIndexKey(jobs.StatusQueued),
		statusIndexKey(jobs.StatusRunning),
		completedIndexKey,
	}
	now := s.now().UnixMilli()
	res, err := transitionScript.Run(ctx, s.client, keys,
		string(from), string(to), now, setResult, string(upd.Result), setError, upd.Error, upd.Attempts).Result()
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", jobID, err)
	}
	switch v := res.(type) {
	case int64:
		switch v {
		case 0:
			return nil, jobs.ErrNotFound
		case -2:
			return nil, fmt.Errorf("%w: job %s claimed again since attempt %d", jobs.ErrConflict, jobID, upd.Attempts)
		}
		return nil, fmt.Errorf("%w: job %s not %s", jobs.ErrConflict, jobID, from)
	case []any:
		return jobFromHash(pairsToMap(v))
	default:
		return nil, fmt.Errorf("transition job %s: unexpected reply %T", jobID, res)
	}
}

// ListByStatus returns jobs in the queued or running index whose index score
// (queued-since or started_at) is at or before before, oldest first, skipping
// the first offset matches.
func (s *RedisJobStore) ListByStatus(ctx context.Context, status jobs.Status, before time.Time, offset, limit int64) ([]*jobs.Job, error) {
	if status != jobs.StatusQueued && status != jobs.StatusRunning {
		return nil, fmt.Errorf("no index for status %q", status)
	}
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScoreWithScores(ctx, statusIndexKey(status), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(before.UnixMilli(), 10),
		Offset: max(offset, 0),
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return s.hydrate(ctx, members)
}

// DeleteCompletedBefore removes up to limit jobs that reached a terminal
// status before cutoff, with their tenant index entries.
func (s *RedisJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.client.ZRangeByScore(ctx, completedIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list completed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tenantCmds := make([]*redis.StringCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, id := range ids {
		tenantCmds[i] = pipe.HGet(ctx, jobKey(id), "tenant_id")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("load completed jobs: %w", err)
	}
	tx := s.client.TxPipeline()
	for i, id := range ids {
		if tenant, err := tenantCmds[i].Result(); err == nil && tenant != "" {
			tx.ZRem(ctx, tenantIndexKey(tenant), id)
		}
		tx.Del(ctx, jobKey(id))
		tx.ZRem(ctx, completedIndexKey, id)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", err)
	}
	return len(ids), nil
}

func (s *RedisJobStore) hydrate(ctx context.Context, members []redis.Z) ([]*jobs.Job, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		id, _ := m.Member.(string)
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	out := make([]*jobs.Job, 0, len(members))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// swept between index read and load
			continue
		}
		job, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func jobFromHash(h map[string]string) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:       h["id"],
		TenantID: h["tenant_id"],
		Type:     h["type"],
		Status:   jobs.Status(h["status"]),
		Priority: jobs.Priority(h["priority"]),
		Queue:    h["queue"],
		Error:    h["error"],
	}
	if p := h["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := h["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	if a := h["attempts"]; a != "" {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad attempts %q", job.ID, a)
		}
		job.Attempts = n
	}
	created, err := parseMillis(h["created_at"])
	if err != nil || created == nil {
		return nil, fmt.Errorf("job %s: bad created_at %q", job.ID, h["created_at"])
	}
	job.CreatedAt = *created
	if job.StartedAt, err = parseMillis(h["started_at"]); err != nil {
		return nil, fmt.Errorf("job %s: bad started_at: %w", job.ID, err)
	}
	if job.CompletedAt, err = parseMillis(h["completed_at"]); err != nil {
		return nil, fmt.Errorf("job %s: bad completed_at: %w", job.ID, err)
	}
	return job, nil
}

func parseMillis(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func pairsToMap(pairs []any) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		out[k] = v
	}
	return out
}

type listCursor struct {
	score int64
	id    string
}

func encodeCursor(score int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(score, 10) + "|" + id))
}

func decodeCursor(raw string) (*listCursor, error) {
	if raw == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", jobs.ErrInvalidPayload)
	}
	score, id, ok := strings.Cut(string(data), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: malformed cursor", jobs.ErrInvalidPayload)
	}
	n, err := strconv.ParseInt(score, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", jobs.ErrInvalidPayload)
	}
	return &listCursor{score: n, id: id}, nil
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func tenantIndexKey(tenantID string) string {
	return tenantIndexKeyPrefix + tenantID
}

func statusIndexKey(status jobs.Status) string {
	return statusIndexKeyPrefix + string(status)
}
