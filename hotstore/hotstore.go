// Package hotstore keeps the short-lived counters the decision pipeline
// touches on every draw: idempotency records, hourly metric buckets, daily
// unique-user sketches, per-prize day counters, and quota usage. The
// relational store stays authoritative; losing this store costs bounded
// metric staleness, never draw correctness.
package hotstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"fortuna/core/types"
)

const (
	idemKeyPrefix     = "idem/"
	metricsKeyPrefix  = "metrics/"
	hllKeyPrefix      = "hll/"
	prizeDayKeyPrefix = "prizeday/"
	quotaKeyPrefix    = "quota/"
)

// Store is the LevelDB-backed hot counter store. A single mutex serializes
// read-modify-write cycles; per-draw work here is a handful of point reads
// and one batch write.
type Store struct {
	db    *leveldb.DB
	clock func() time.Time

	mu sync.Mutex
}

// Open opens (or creates) the LevelDB directory at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("hotstore: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("hotstore: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("hotstore: open leveldb: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// --- Idempotency records ---

// IdempotencyStatus tracks one client request through the pipeline.
type IdempotencyStatus string

const (
	StatusInFlight  IdempotencyStatus = "in_flight"
	StatusCommitted IdempotencyStatus = "committed"
)

// IdempotencyRecord is the stored view of one client request id. Response
// holds the canonical serialized reply so replays are byte-identical.
type IdempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Response    json.RawMessage   `json:"response,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given instant.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// BeginRequest reserves a client request id. When a live record already
// exists it is returned with began=false: committed means replay, in_flight
// means a duplicate racing the first attempt. Expired records are replaced.
func (s *Store) BeginRequest(key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("hotstore: not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	dbKey := []byte(idemKeyPrefix + key)
	raw, err := s.db.Get(dbKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, false, types.WrapError(types.CodeTransientStore, err, "load idempotency record")
	default:
		var existing IdempotencyRecord
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, false, types.WrapError(types.CodeInternal, err, "decode idempotency record")
		}
		if !existing.Expired(now) {
			return &existing, false, nil
		}
	}
	record := IdempotencyRecord{
		Fingerprint: fingerprint,
		Status:      StatusInFlight,
		ExpiresAt:   now.Add(ttl),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, false, types.WrapError(types.CodeInternal, err, "encode idempotency record")
	}
	if err := s.db.Put(dbKey, encoded, nil); err != nil {
		return nil, false, types.WrapError(types.CodeTransientStore, err, "reserve idempotency record")
	}
	return &record, true, nil
}

// CommitRequest upgrades an in-flight record with the canonical response.
// Committed records are retained long enough for late duplicate replays.
func (s *Store) CommitRequest(key string, response []byte, retain time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("hotstore: not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dbKey := []byte(idemKeyPrefix + key)
	raw, err := s.db.Get(dbKey, nil)
	if err != nil {
		return types.WrapError(types.CodeTransientStore, err, "load idempotency record for commit")
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return types.WrapError(types.CodeInternal, err, "decode idempotency record")
	}
	record.Status = StatusCommitted
	record.Response = append([]byte(nil), response...)
	record.ExpiresAt = s.clock().UTC().Add(retain)
	encoded, err := json.Marshal(record)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "encode idempotency record")
	}
	if err := s.db.Put(dbKey, encoded, nil); err != nil {
		return types.WrapError(types.CodeTransientStore, err, "commit idempotency record")
	}
	return nil
}

// ReleaseRequest drops an in-flight reservation so a retry can start fresh.
// Committed records are never released.
func (s *Store) ReleaseRequest(key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("hotstore: not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dbKey := []byte(idemKeyPrefix + key)
	raw, err := s.db.Get(dbKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return types.WrapError(types.CodeTransientStore, err, "load idempotency record for release")
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err == nil && record.Status == StatusCommitted {
		return nil
	}
	if err := s.db.Delete(dbKey, nil); err != nil {
		return types.WrapError(types.CodeTransientStore, err, "release idempotency record")
	}
	return nil
}

// Request returns the live record for a client request id, or nil.
func (s *Store) Request(key string) (*IdempotencyRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("hotstore: not configured")
	}
	raw, err := s.db.Get([]byte(idemKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.CodeTransientStore, err, "load idempotency record")
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "decode idempotency record")
	}
	if record.Expired(s.clock().UTC()) {
		return nil, nil
	}
	return &record, nil
}

// --- Hourly metric buckets ---

// HourCounters is the mutable value of one metrics/<campaign>/<hour> bucket.
type HourCounters struct {
	TotalDraws     int64            `json:"total_draws"`
	TierCounts     map[string]int64 `json:"tier_counts"`
	BudgetTiers    map[string]int64 `json:"budget_tiers"`
	Corrections    map[string]int64 `json:"corrections"`
	BudgetConsumed int64            `json:"budget_consumed"`
	PrizeValueSum  int64            `json:"prize_value_sum"`
}

func newHourCounters() HourCounters {
	return HourCounters{
		TierCounts:  make(map[string]int64),
		BudgetTiers: make(map[string]int64),
		Corrections: make(map[string]int64),
	}
}

// BucketKey addresses one campaign-hour bucket.
type BucketKey struct {
	CampaignID uuid.UUID
	Hour       string
}

// DecisionSample is the post-commit metric payload of one committed draw.
type DecisionSample struct {
	CampaignID  uuid.UUID
	UserID      string
	Tier        types.Tier
	BudgetTier  types.BudgetTier
	Corrections []string
	BudgetSpent int64
	PrizeValue  int64
	At          time.Time
}

// RecordDecisions folds committed decisions into their hour buckets and the
// daily unique-user sketches. One lock, one batch.
func (s *Store) RecordDecisions(samples []DecisionSample) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("hotstore: not configured")
	}
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make(map[string]HourCounters)
	sketches := make(map[string]*hyperloglog.Sketch)
	for _, sample := range samples {
		hourKey := metricsKey(sample.CampaignID, types.HourKey(sample.At))
		counters, ok := buckets[hourKey]
		if !ok {
			loaded, err := s.loadCounters(hourKey)
			if err != nil {
				return err
			}
			counters = loaded
		}
		counters.TotalDraws++
		counters.TierCounts[string(sample.Tier)]++
		if sample.BudgetTier != "" {
			counters.BudgetTiers[string(sample.BudgetTier)]++
		}
		for _, module := range sample.Corrections {
			counters.Corrections[module]++
		}
		counters.BudgetConsumed += sample.BudgetSpent
		counters.PrizeValueSum += sample.PrizeValue
		buckets[hourKey] = counters

		dayKey := hllKey(sample.CampaignID, types.DayKey(sample.At))
		sketch, ok := sketches[dayKey]
		if !ok {
			loaded, err := s.loadSketch(dayKey)
			if err != nil {
				return err
			}
			sketch = loaded
			sketches[dayKey] = sketch
		}
		sketch.Insert([]byte(sample.UserID))
	}

	batch := new(leveldb.Batch)
	for key, counters := range buckets {
		encoded, err := json.Marshal(counters)
		if err != nil {
			return types.WrapError(types.CodeInternal, err, "encode hour bucket")
		}
		batch.Put([]byte(key), encoded)
	}
	for key, sketch := range sketches {
		encoded, err := sketch.MarshalBinary()
		if err != nil {
			return types.WrapError(types.CodeInternal, err, "encode unique-user sketch")
		}
		batch.Put([]byte(key), encoded)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return types.WrapError(types.CodeTransientStore, err, "write decision samples")
	}
	return nil
}

func (s *Store) loadCounters(dbKey string) (HourCounters, error) {
	raw, err := s.db.Get([]byte(dbKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return newHourCounters(), nil
	}
	if err != nil {
		return HourCounters{}, types.WrapError(types.CodeTransientStore, err, "load hour bucket")
	}
	counters := newHourCounters()
	if err := json.Unmarshal(raw, &counters); err != nil {
		return HourCounters{}, types.WrapError(types.CodeInternal, err, "decode hour bucket")
	}
	return counters, nil
}

func (s *Store) loadSketch(dbKey string) (*hyperloglog.Sketch, error) {
	raw, err := s.db.Get([]byte(dbKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return hyperloglog.New14(), nil
	}
	if err != nil {
		return nil, types.WrapError(types.CodeTransientStore, err, "load unique-user sketch")
	}
	sketch := hyperloglog.New14()
	if err := sketch.UnmarshalBinary(raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "decode unique-user sketch")
	}
	return sketch, nil
}

// HourBucket returns one campaign-hour of counters, zero-valued when absent.
func (s *Store) HourBucket(campaignID uuid.UUID, hour string) (HourCounters, error) {
	if s == nil || s.db == nil {
		return HourCounters{}, fmt.Errorf("hotstore: not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCounters(metricsKey(campaignID, hour))
}

// ClosedHourBuckets returns every bucket strictly older than the given hour
// key, ready for durable rollup.
func (s *Store) ClosedHourBuckets(ctx context.Context, beforeHour string) (map[BucketKey]HourCounters, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("hotstore: not configured")
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(metricsKeyPrefix)), nil)
	defer iter.Release()
	buckets := make(map[BucketKey]HourCounters)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		key, ok := parseMetricsKey(iter.Key())
		if !ok || key.Hour >= beforeHour {
			continue
		}
		counters := newHourCounters()
		if err := json.Unmarshal(iter.Value(), &counters); err != nil {
			continue
		}
		buckets[key] = counters
	}
	if err := iter.Error(); err != nil {
		return nil, types.WrapError(types.CodeTransientStore, err, "iterate hour buckets")
	}
	return buckets, nil
}

// UniqueUsers estimates the distinct users seen for a campaign-day.
func (s *Store) UniqueUsers(campaignID uuid.UUID, day string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("hotstore: not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sketch, err := s.loadSketch(hllKey(campaignID, day))
	if err != nil {
		return 0, err
	}
	return int64(sketch.Estimate()), nil
}

// BudgetConsumedBetween implements the pressure controller's SpendReader by
// summing hour buckets intersecting the window.
func (s *Store) BudgetConsumedBetween(ctx context.Context, campaignID uuid.UUID, from, until time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("hotstore: not configured")
	}
	if !until.After(from) {
		return 0, nil
	}
	var total int64
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := from.Truncate(time.Hour); t.Before(until); t = t.Add(time.Hour) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		counters, err := s.loadCounters(metricsKey(campaignID, types.HourKey(t)))
		if err != nil {
			return 0, err
		}
		total += counters.BudgetConsumed
	}
	return total, nil
}

// --- Day counters ---

// PrizeDayCount returns how many times a prize was won on the business day.
func (s *Store) PrizeDayCount(prizeID uuid.UUID, day string) (int64, error) {
	return s.counter(prizeDayKey(prizeID, day))
}

// IncrementPrizeDay bumps the per-prize day counter after commit.
func (s *Store) IncrementPrizeDay(prizeID uuid.UUID, day string, n int64) error {
	return s.incrementCounter(prizeDayKey(prizeID, day), n)
}

// QuotaCount returns how many draws a user consumed under one quota rule on
// the business day.
func (s *Store) QuotaCount(ruleID uuid.UUID, day, userID string) (int64, error) {
	return s.counter(quotaKey(ruleID, day, userID))
}

// IncrementQuota bumps the quota usage counter after commit.
func (s *Store) IncrementQuota(ruleID uuid.UUID, day, userID string, n int64) error {
	return s.incrementCounter(quotaKey(ruleID, day, userID), n)
}

func (s *Store) counter(dbKey string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("hotstore: not configured")
	}
	raw, err := s.db.Get([]byte(dbKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "load counter")
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (s *Store) incrementCounter(dbKey string, n int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("hotstore: not configured")
	}
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.counter(dbKey)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(current+n))
	if err := s.db.Put([]byte(dbKey), buf, nil); err != nil {
		return types.WrapError(types.CodeTransientStore, err, "increment counter")
	}
	return nil
}

// --- Pruning ---

// Prune deletes hour buckets and day counters older than hotRetention,
// unique-user sketches older than hllRetention, and expired idempotency
// records. Returns the number of deleted keys.
func (s *Store) Prune(ctx context.Context, now time.Time, hotRetention, hllRetention time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("hotstore: not configured")
	}
	hourCutoff := types.HourKey(now.Add(-hotRetention))
	dayCutoff := types.DayKey(now.Add(-hotRetention))
	hllCutoff := types.DayKey(now.Add(-hllRetention))

	batch := new(leveldb.Batch)
	deleted := 0
	prune := func(prefix string, stale func(key []byte, value []byte) bool) error {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		defer iter.Release()
		for iter.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if stale(iter.Key(), iter.Value()) {
				batch.Delete(append([]byte(nil), iter.Key()...))
				deleted++
			}
		}
		return iter.Error()
	}

	if err := prune(metricsKeyPrefix, func(key, _ []byte) bool {
		parsed, ok := parseMetricsKey(key)
		return ok && parsed.Hour < hourCutoff
	}); err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "prune hour buckets")
	}
	if err := prune(hllKeyPrefix, func(key, _ []byte) bool {
		day, ok := trailingSegment(key, hllKeyPrefix, 2)
		return ok && day < hllCutoff
	}); err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "prune unique-user sketches")
	}
	if err := prune(prizeDayKeyPrefix, func(key, _ []byte) bool {
		day, ok := trailingSegment(key, prizeDayKeyPrefix, 2)
		return ok && day < dayCutoff
	}); err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "prune prize day counters")
	}
	if err := prune(quotaKeyPrefix, func(key, _ []byte) bool {
		parts := strings.Split(strings.TrimPrefix(string(key), quotaKeyPrefix), "/")
		return len(parts) == 3 && parts[1] < dayCutoff
	}); err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "prune quota counters")
	}
	if err := prune(idemKeyPrefix, func(_, value []byte) bool {
		var record IdempotencyRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return true
		}
		return record.Expired(now)
	}); err != nil {
		return 0, types.WrapError(types.CodeTransientStore, err, "prune idempotency records")
	}

	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, types.WrapError(types.CodeTransientStore, err, "apply prune batch")
		}
	}
	return deleted, nil
}

// --- Keys ---

func metricsKey(campaignID uuid.UUID, hour string) string {
	return metricsKeyPrefix + campaignID.String() + "/" + hour
}

func parseMetricsKey(key []byte) (BucketKey, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), metricsKeyPrefix), "/")
	if len(parts) != 2 {
		return BucketKey{}, false
	}
	campaignID, err := uuid.Parse(parts[0])
	if err != nil {
		return BucketKey{}, false
	}
	return BucketKey{CampaignID: campaignID, Hour: parts[1]}, true
}

func hllKey(campaignID uuid.UUID, day string) string {
	return hllKeyPrefix + campaignID.String() + "/" + day
}

func prizeDayKey(prizeID uuid.UUID, day string) string {
	return prizeDayKeyPrefix + prizeID.String() + "/" + day
}

func quotaKey(ruleID uuid.UUID, day, userID string) string {
	return quotaKeyPrefix + ruleID.String() + "/" + day + "/" + userID
}

func trailingSegment(key []byte, prefix string, want int) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefix), "/")
	if len(parts) != want {
		return "", false
	}
	return parts[want-1], true
}
