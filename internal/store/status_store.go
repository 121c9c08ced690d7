package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/compliflow/claimrelay/internal/models"
)

// Key layout. The webhook and dead-letter namespaces are wire-compatible
// with the upstream receivers and inspection tooling that read them.
const (
	webhookKeyPrefix    = "webhook_status:"
	taskKeyPrefix       = "task_status:"
	deadLetterKeyPrefix = "dead_letter:webhook:"
	deadLetterIndexKey  = "dead_letter:webhook:index"
)

// Record TTLs per status class.
const (
	TTLDelivered  = 30 * time.Minute
	TTLDefault    = 7 * 24 * time.Hour
	TTLDeadLetter = 30 * 24 * time.Hour
)

// ScanFilter narrows webhook listings. Zero values match everything.
type ScanFilter struct {
	ReferenceIDPrefix string
	Status            models.WebhookStatus
}

// StatusStore is the durable key/value facade over Redis.
type StatusStore struct {
	client *redis.Client
}

// NewStatusStore creates a status store on an opened client.
func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client}
}

// Ping verifies store reachability for health checks.
func (s *StatusStore) Ping(ctx context.Context) error {
	return Ping(ctx, s.client)
}

// webhookTTL applies the lifecycle TTL rules: delivered records are short
// lived, everything else (including failed) is retained for operators.
func webhookTTL(status models.WebhookStatus) time.Duration {
	if status == models.WebhookStatusDelivered {
		return TTLDelivered
	}
	return TTLDefault
}

// PutWebhook serializes and overwrites a webhook record, setting the TTL
// for its current status.
func (s *StatusStore) PutWebhook(ctx context.Context, rec *models.WebhookRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal webhook record: %w", err)
	}
	if err := s.client.Set(ctx, webhookKeyPrefix+rec.WebhookID, data, webhookTTL(rec.Status)).Err(); err != nil {
		return fmt.Errorf("store: put webhook %s: %w", rec.WebhookID, err)
	}
	return nil
}

// GetWebhook returns the record, or (nil, nil) when absent.
func (s *StatusStore) GetWebhook(ctx context.Context, webhookID string) (*models.WebhookRecord, error) {
	data, err := s.client.Get(ctx, webhookKeyPrefix+webhookID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get webhook %s: %w", webhookID, err)
	}
	var rec models.WebhookRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode webhook %s: %w", webhookID, err)
	}
	return &rec, nil
}

// DeleteWebhook removes a record, reporting whether one existed.
func (s *StatusStore) DeleteWebhook(ctx context.Context, webhookID string) (bool, error) {
	n, err := s.client.Del(ctx, webhookKeyPrefix+webhookID).Result()
	if err != nil {
		return false, fmt.Errorf("store: delete webhook %s: %w", webhookID, err)
	}
	return n > 0, nil
}

// UpdateWebhookCAS performs a read-modify-write on one record, guarded by
// a Redis WATCH so concurrent writers to the same webhook_id serialize.
// expect is the required predecessor status; a mismatch aborts with
// (false, nil) so callers can treat the attempt as a no-op. A watched-key
// conflict is retried once, then surfaced as ErrStaleWrite.
func (s *StatusStore) UpdateWebhookCAS(ctx context.Context, webhookID string, expect func(models.WebhookStatus) bool, mutate func(*models.WebhookRecord)) (bool, error) {
	key := webhookKeyPrefix + webhookID
	applied := false

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // record gone; nothing to update
		}
		if err != nil {
			return err
		}
		var rec models.WebhookRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if expect != nil && !expect(rec.Status) {
			return nil
		}
		mutate(&rec)
		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, webhookTTL(rec.Status))
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// One concurrent writer beat us; re-read and retry once.
		err = s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			return false, ErrStaleWrite
		}
	}
	if err != nil {
		return false, fmt.Errorf("store: cas webhook %s: %w", webhookID, err)
	}
	return applied, nil
}

// ScanWebhooks returns one page of records matching the filter. Ordering is
// by key, which is stable across pages of the same scan. The returned total
// is a best-effort count of all matches.
func (s *StatusStore) ScanWebhooks(ctx context.Context, filter ScanFilter, page, pageSize int) ([]models.WebhookRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	keys, err := s.matchingKeys(ctx, webhookKeyPrefix+filter.ReferenceIDPrefix+"*")
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(keys)

	var matched []models.WebhookRecord
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan read %s: %w", key, err)
		}
		var rec models.WebhookRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // skip undecodable records rather than fail the listing
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.WebhookRecord{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// BulkDeleteWebhooks removes records matching the filter whose created_at
// is older than the cutoff. Returns the number deleted. Running it twice
// with the same arguments deletes nothing the second time.
func (s *StatusStore) BulkDeleteWebhooks(ctx context.Context, filter ScanFilter, olderThan time.Duration) (int, error) {
	keys, err := s.matchingKeys(ctx, webhookKeyPrefix+filter.ReferenceIDPrefix+"*")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)

	deleted := 0
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("store: bulk delete read %s: %w", key, err)
		}
		var rec models.WebhookRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return deleted, fmt.Errorf("store: bulk delete %s: %w", key, err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// PutDeadLetter records a permanently failed delivery and indexes it for
// operator enumeration.
func (s *StatusStore) PutDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal dead letter: %w", err)
	}
	key := deadLetterKeyPrefix + entry.WebhookID
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, TTLDeadLetter)
	pipe.SAdd(ctx, deadLetterIndexKey, entry.WebhookID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: put dead letter %s: %w", entry.WebhookID, err)
	}
	return nil
}

// GetDeadLetter returns the entry, or (nil, nil) when absent.
func (s *StatusStore) GetDeadLetter(ctx context.Context, webhookID string) (*models.DeadLetterEntry, error) {
	data, err := s.client.Get(ctx, deadLetterKeyPrefix+webhookID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dead letter %s: %w", webhookID, err)
	}
	var entry models.DeadLetterEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("store: decode dead letter %s: %w", webhookID, err)
	}
	return &entry, nil
}

// ListDeadLetters returns all live entries from the index, pruning index
// members whose backing entry has expired.
func (s *StatusStore) ListDeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error) {
	ids, err := s.client.SMembers(ctx, deadLetterIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: dead letter index: %w", err)
	}
	sort.Strings(ids)

	var entries []models.DeadLetterEntry
	for _, id := range ids {
		entry, err := s.GetDeadLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			// TTL expired; drop the stale index member.
			s.client.SRem(ctx, deadLetterIndexKey, id)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// DeleteDeadLetter removes an entry and its index member.
func (s *StatusStore) DeleteDeadLetter(ctx context.Context, webhookID string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, deadLetterKeyPrefix+webhookID)
	pipe.SRem(ctx, deadLetterIndexKey, webhookID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store: delete dead letter %s: %w", webhookID, err)
	}
	return del.Val() > 0, nil
}

// PutTask serializes and overwrites a task record.
func (s *StatusStore) PutTask(ctx context.Context, rec *models.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal task record: %w", err)
	}
	if err := s.client.Set(ctx, taskKeyPrefix+rec.TaskID, data, TTLDefault).Err(); err != nil {
		return fmt.Errorf("store: put task %s: %w", rec.TaskID, err)
	}
	return nil
}

// GetTask returns the task record, or (nil, nil) when absent.
func (s *StatusStore) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	data, err := s.client.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	var rec models.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode task %s: %w", taskID, err)
	}
	return &rec, nil
}

// WebhookTTL exposes the remaining TTL for a record, for tests and
// diagnostics.
func (s *StatusStore) WebhookTTL(ctx context.Context, webhookID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, webhookKeyPrefix+webhookID).Result()
	if err != nil {
		return 0, fmt.Errorf("store: ttl %s: %w", webhookID, err)
	}
	return ttl, nil
}

// matchingKeys collects keys for a match pattern using SCAN.
func (s *StatusStore) matchingKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Guard against the dead-letter namespace bleeding into a
		// webhook_status scan via a hostile reference prefix.
		if !strings.HasPrefix(key, webhookKeyPrefix) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", pattern, err)
	}
	return keys, nil
}
