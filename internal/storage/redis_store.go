package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes for storage
	recordStorePrefix  = "exportd:store:record:"
	payloadStorePrefix = "exportd:store:payload:"
	stateIndexPrefix   = "exportd:index:state:"

	// TTL for record metadata (7 days)
	recordTTL = 7 * 24 * time.Hour
	// TTL for payloads (24 hours); snapshots are large and cheap to redo
	payloadTTL = 24 * time.Hour
)

// indexedStates are the states a persisted record can be in.
var indexedStates = []task.State{task.StateExecuting, task.StateSucceeded, task.StateFailed}

// RedisStorage implements Storage interface using Redis
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage creates a new Redis storage backend
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
	}
}

// SaveRecord persists a record to Redis, moving it between state indexes
// when its state changed since the last save.
func (rs *RedisStorage) SaveRecord(ctx context.Context, rec *task.Record) error {
	if rec == nil || rec.TaskID == "" {
		return fmt.Errorf("invalid record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	previous, err := rs.GetRecord(ctx, rec.TaskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	recordKey := recordStorePrefix + rec.TaskID
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.State != rec.State {
			pipe.SRem(ctx, stateIndexPrefix+previous.State.String(), rec.TaskID)
		}
		pipe.Set(ctx, recordKey, data, recordTTL)
		pipe.SAdd(ctx, stateIndexPrefix+rec.State.String(), rec.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	return nil
}

// GetRecord retrieves a record by task ID
func (rs *RedisStorage) GetRecord(ctx context.Context, taskID string) (*task.Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	data, err := rs.client.Get(ctx, recordStorePrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("record %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &rec, nil
}

// SavePayload stores the exported bytes
func (rs *RedisStorage) SavePayload(ctx context.Context, taskID string, data []byte) error {
	if taskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(data) == 0 {
		return fmt.Errorf("payload for %s is empty", taskID)
	}

	if err := rs.client.Set(ctx, payloadStorePrefix+taskID, data, payloadTTL).Err(); err != nil {
		return fmt.Errorf("failed to save payload: %w", err)
	}

	return nil
}

// GetPayload retrieves the exported bytes
func (rs *RedisStorage) GetPayload(ctx context.Context, taskID string) ([]byte, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	data, err := rs.client.Get(ctx, payloadStorePrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("payload %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}

	return data, nil
}

// GetRecordsByState retrieves records by their state
func (rs *RedisStorage) GetRecordsByState(ctx context.Context, state task.State, limit int) ([]*task.Record, error) {
	stateKey := stateIndexPrefix + state.String()

	var taskIDs []string
	var err error

	if limit > 0 {
		taskIDs, err = rs.client.SRandMemberN(ctx, stateKey, int64(limit)).Result()
	} else {
		taskIDs, err = rs.client.SMembers(ctx, stateKey).Result()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task IDs: %w", err)
	}

	records := make([]*task.Record, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		rec, err := rs.GetRecord(ctx, taskID)
		if errors.Is(err, ErrNotFound) {
			// Expired records leave stale index entries behind
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s records: %w", state, err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// DeleteRecord removes a record, its payload and its index entry
func (rs *RedisStorage) DeleteRecord(ctx context.Context, taskID string) error {
	rec, err := rs.GetRecord(ctx, taskID)
	if err != nil {
		return err
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, stateIndexPrefix+rec.State.String(), taskID)
		pipe.Del(ctx, recordStorePrefix+taskID, payloadStorePrefix+taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	return nil
}

// Stats counts records in each state index
func (rs *RedisStorage) Stats(ctx context.Context) (*ExportStats, error) {
	counts := make(map[task.State]*redis.IntCmd, len(indexedStates))
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range indexedStates {
			counts[st] = pipe.SCard(ctx, stateIndexPrefix+st.String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	stats := &ExportStats{
		Executing:  counts[task.StateExecuting].Val(),
		Succeeded:  counts[task.StateSucceeded].Val(),
		Failed:     counts[task.StateFailed].Val(),
		LastUpdate: time.Now(),
	}
	stats.Total = stats.Executing + stats.Succeeded + stats.Failed
	return stats, nil
}

// Ping checks the Redis connection
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rs *RedisStorage) Close() error {
	// Note: We don't close the client here as it might be shared
	// The caller should manage the Redis client lifecycle
	return nil
}
