package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the table in one hash, field "host|pid", JSON values.
type RedisStorage struct {
	cmd redis.Cmdable
	key string
}

// DefaultKey is the hash used when NewRedisStorage is given an empty key.
const DefaultKey = "redqueue_heartbeat"

func NewRedisStorage(cmd redis.Cmdable, key string) *RedisStorage {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStorage{cmd: cmd, key: key}
}

// pingScript writes a row unless it would overwrite a kill flag with
// another status.
var pingScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and ARGV[3] ~= 'killed' and string.find(cur, '"status":"killed"', 1, true) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type redisProcess struct {
	ProcessID int    `json:"process_id"`
	HostName  string `json:"host_name"`
	LastPing  string `json:"last_ping"`
	Status    Status `json:"status"`
}

func (s *RedisStorage) Ping(ctx context.Context, processID int, hostName string, status Status) error {
	b, err := json.Marshal(redisProcess{
		ProcessID: processID,
		HostName:  hostName,
		LastPing:  time.Now().Format(time.RFC3339Nano),
		Status:    status,
	})
	if err != nil {
		return err
	}
	return pingScript.Run(ctx, s.cmd, []string{s.key}, Identifier(processID, hostName), string(b), string(status)).Err()
}

func (s *RedisStorage) Get(ctx context.Context, processID int, hostName string) (*Process, error) {
	v, err := s.cmd.HGet(ctx, s.key, Identifier(processID, hostName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeProcess(v), nil
}

func (s *RedisStorage) Load(ctx context.Context) ([]Process, error) {
	all, err := s.cmd.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	processes := make([]Process, 0, len(all))
	for _, v := range all {
		if p := decodeProcess(v); p != nil {
			processes = append(processes, *p)
		}
	}
	return processes, nil
}

func (s *RedisStorage) Delete(ctx context.Context, processID int, hostName string) (bool, error) {
	n, err := s.cmd.HDel(ctx, s.key, Identifier(processID, hostName)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStorage) DeleteByDate(ctx context.Context, lastPing time.Time) (int, error) {
	return deleteByDate(ctx, s, lastPing)
}

// decodeProcess returns nil for empty or unreadable rows.
func decodeProcess(v string) *Process {
	var rp redisProcess
	if err := json.Unmarshal([]byte(v), &rp); err != nil {
		return nil
	}
	if rp.ProcessID == 0 && rp.HostName == "" {
		return nil
	}
	p := &Process{ProcessID: rp.ProcessID, HostName: rp.HostName, Status: rp.Status, LastPing: time.Now()}
	if t, err := time.Parse(time.RFC3339Nano, rp.LastPing); err == nil {
		p.LastPing = t
	}
	if p.Status == "" {
		p.Status = StatusUnknown
	}
	return p
}
