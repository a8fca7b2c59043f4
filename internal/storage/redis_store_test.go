package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/farhan-ahmed1/exportd/internal/task"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis server using miniredis
func setupTestRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	storage := NewRedisStorage(client)
	return storage, mr
}

func newRecord(id string, state task.State) *task.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &task.Record{
		TaskID:    id,
		Index:     "notes",
		State:     state,
		CreatedAt: now,
		StartedAt: now,
	}
}

// TestSaveRecord tests saving a record to Redis
func TestSaveRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()

	rec := newRecord("exp-1", task.StateExecuting)
	if err := storage.SaveRecord(context.Background(), rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	if !mr.Exists(recordStorePrefix + rec.TaskID) {
		t.Error("Record was not saved to Redis")
	}

	isMember, _ := mr.SIsMember(stateIndexPrefix+"executing", rec.TaskID)
	if !isMember {
		t.Error("Record was not added to state index")
	}

	if ttl := mr.TTL(recordStorePrefix + rec.TaskID); ttl != recordTTL {
		t.Errorf("Expected TTL %v, got %v", recordTTL, ttl)
	}
}

// TestSaveInvalidRecord tests saving nil and empty-ID records
func TestSaveInvalidRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()

	if err := storage.SaveRecord(context.Background(), nil); err == nil {
		t.Error("Expected error when saving nil record")
	}
	if err := storage.SaveRecord(context.Background(), &task.Record{}); err == nil {
		t.Error("Expected error when saving record with empty ID")
	}
}

// TestSaveRecordMovesStateIndex tests that a state change updates the index
func TestSaveRecordMovesStateIndex(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	rec := newRecord("exp-2", task.StateExecuting)
	if err := storage.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	rec.State = task.StateSucceeded
	rec.Size = 4096
	rec.ElapsedMillis = 12
	if err := storage.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	if isMember, _ := mr.SIsMember(stateIndexPrefix+"executing", rec.TaskID); isMember {
		t.Error("Record was not removed from old state index")
	}
	if isMember, _ := mr.SIsMember(stateIndexPrefix+"succeeded", rec.TaskID); !isMember {
		t.Error("Record was not added to new state index")
	}

	got, err := storage.GetRecord(ctx, rec.TaskID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if got.State != task.StateSucceeded || got.Size != 4096 || got.ElapsedMillis != 12 {
		t.Errorf("Unexpected record: %+v", got)
	}
}

// TestGetRecord tests retrieving a record from Redis
func TestGetRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()

	original := newRecord("exp-3", task.StateFailed)
	original.Error = "disk full"
	original.WorkerID = "worker-1"
	if err := storage.SaveRecord(context.Background(), original); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	got, err := storage.GetRecord(context.Background(), original.TaskID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}

	if got.TaskID != original.TaskID {
		t.Errorf("Expected task ID %s, got %s", original.TaskID, got.TaskID)
	}
	if got.Index != "notes" {
		t.Errorf("Expected index notes, got %s", got.Index)
	}
	if got.State != task.StateFailed {
		t.Errorf("Expected state failed, got %s", got.State)
	}
	if got.Error != "disk full" {
		t.Errorf("Expected error 'disk full', got %q", got.Error)
	}
	if got.WorkerID != "worker-1" {
		t.Errorf("Expected worker-1, got %s", got.WorkerID)
	}
	if !got.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("Expected created at %v, got %v", original.CreatedAt, got.CreatedAt)
	}
}

// TestGetNonExistentRecord tests retrieving a record that doesn't exist
func TestGetNonExistentRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()

	rec, err := storage.GetRecord(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if rec != nil {
		t.Error("Expected nil record for non-existent ID")
	}

	if _, err := storage.GetRecord(context.Background(), ""); err == nil {
		t.Error("Expected error when getting record with empty ID")
	}
}

// TestPayloadRoundTrip tests saving and retrieving exported bytes
func TestPayloadRoundTrip(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	data := []byte{0x00, 0x01, 0xfe, 0xff, 'x'}
	if err := storage.SavePayload(ctx, "exp-4", data); err != nil {
		t.Fatalf("Failed to save payload: %v", err)
	}

	got, err := storage.GetPayload(ctx, "exp-4")
	if err != nil {
		t.Fatalf("Failed to get payload: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Payload mismatch: %v", got)
	}

	if ttl := mr.TTL(payloadStorePrefix + "exp-4"); ttl != payloadTTL {
		t.Errorf("Expected TTL %v, got %v", payloadTTL, ttl)
	}
}

// TestPayloadErrors tests invalid payload calls
func TestPayloadErrors(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := storage.SavePayload(ctx, "", []byte("x")); err == nil {
		t.Error("Expected error for empty task ID")
	}
	if err := storage.SavePayload(ctx, "exp-5", nil); err == nil {
		t.Error("Expected error for empty payload")
	}
	if _, err := storage.GetPayload(ctx, "exp-5"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestGetRecordsByState tests retrieving records by state
func TestGetRecordsByState(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := storage.SaveRecord(ctx, newRecord(id, task.StateSucceeded)); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}
	}
	if err := storage.SaveRecord(ctx, newRecord("d", task.StateFailed)); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	records, err := storage.GetRecordsByState(ctx, task.StateSucceeded, 0)
	if err != nil {
		t.Fatalf("Failed to get records by state: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("Expected 3 succeeded records, got %d", len(records))
	}

	limited, err := storage.GetRecordsByState(ctx, task.StateSucceeded, 2)
	if err != nil {
		t.Fatalf("Failed to get records by state: %v", err)
	}
	if len(limited) > 2 {
		t.Errorf("Expected at most 2 records, got %d", len(limited))
	}
}

// TestGetRecordsByStateSkipsExpired tests that dangling index entries are ignored
func TestGetRecordsByStateSkipsExpired(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := storage.SaveRecord(ctx, newRecord("live", task.StateFailed)); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := storage.SaveRecord(ctx, newRecord("gone", task.StateFailed)); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	mr.Del(recordStorePrefix + "gone")

	records, err := storage.GetRecordsByState(ctx, task.StateFailed, 0)
	if err != nil {
		t.Fatalf("Failed to get records by state: %v", err)
	}
	if len(records) != 1 || records[0].TaskID != "live" {
		t.Errorf("Expected only the live record, got %d", len(records))
	}
}

// TestGetRecordsByStateCorruptRecord tests that unreadable records are reported, not skipped
func TestGetRecordsByStateCorruptRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := storage.SaveRecord(ctx, newRecord("bad", task.StateFailed)); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	mr.Set(recordStorePrefix+"bad", "{not json")

	if _, err := storage.GetRecordsByState(ctx, task.StateFailed, 0); err == nil {
		t.Error("Expected error for corrupt record")
	}
}

// TestGetRecordsByStateRedisDown tests that transport errors are returned
func TestGetRecordsByStateRedisDown(t *testing.T) {
	storage, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := storage.SaveRecord(ctx, newRecord("live", task.StateFailed)); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	mr.Close()

	if _, err := storage.GetRecordsByState(ctx, task.StateFailed, 0); err == nil {
		t.Error("Expected error when Redis is unreachable")
	}
}

// TestDeleteRecord tests deleting a record and its payload
func TestDeleteRecord(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	rec := newRecord("exp-6", task.StateSucceeded)
	if err := storage.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := storage.SavePayload(ctx, rec.TaskID, []byte("snapshot")); err != nil {
		t.Fatalf("Failed to save payload: %v", err)
	}

	if err := storage.DeleteRecord(ctx, rec.TaskID); err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}

	if mr.Exists(recordStorePrefix + rec.TaskID) {
		t.Error("Record was not deleted from Redis")
	}
	if mr.Exists(payloadStorePrefix + rec.TaskID) {
		t.Error("Payload was not deleted")
	}
	if isMember, _ := mr.SIsMember(stateIndexPrefix+"succeeded", rec.TaskID); isMember {
		t.Error("Record was not removed from state index")
	}

	if err := storage.DeleteRecord(ctx, rec.TaskID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

// TestStats tests counting records per state
func TestStats(t *testing.T) {
	storage, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	saves := map[string]task.State{
		"e1": task.StateExecuting,
		"s1": task.StateSucceeded,
		"s2": task.StateSucceeded,
		"f1": task.StateFailed,
	}
	for id, st := range saves {
		if err := storage.SaveRecord(ctx, newRecord(id, st)); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Total != 4 || stats.Executing != 1 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// TestPingAndClose tests connection health and close
func TestPingAndClose(t *testing.T) {
	storage, mr := setupTestRedis(t)

	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	mr.Close()
	if err := storage.Ping(context.Background()); err == nil {
		t.Error("Expected ping to fail after server shutdown")
	}

	if err := storage.Close(); err != nil {
		t.Errorf("Failed to close storage: %v", err)
	}
}
