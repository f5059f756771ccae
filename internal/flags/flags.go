// Package flags implements the durable feature-flag gate backing the
// gateway's serving decisions. Flags live in Redis so that every gateway
// replica observes the same state and flips take effect across the fleet
// without a deploy.
//
// Lookups fail open: when Redis is unreachable the gate reports the flag as
// enabled, so a flag-store outage degrades to "no kill switch" rather than
// taking user-facing features down with it.
package flags

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/platefinder/placegw/internal/redis"
)

const (
	keyPrefix = "flag:"
	indexKey  = "flag:index"
)

// Flag keys the gateway consults. Seeded enabled on first boot.
const (
	KeyPhotoServing   = "photo_serving"
	KeyOpenNowDisplay = "open_now_display"
	KeyProviderSearch = "provider_search"
	KeyAutocomplete   = "autocomplete"
	KeyMapSearch      = "map_search"
)

// defaultFlags are seeded with HSETNX on startup: existing operator-set
// values always win over seeding.
var defaultFlags = map[string]Flag{
	KeyPhotoServing:   {Key: KeyPhotoServing, Enabled: true, Description: "serve place photos through the media proxy"},
	KeyOpenNowDisplay: {Key: KeyOpenNowDisplay, Enabled: true, Description: "show open-now status on place results"},
	KeyProviderSearch: {Key: KeyProviderSearch, Enabled: true, Description: "allow text search against the upstream provider"},
	KeyAutocomplete:   {Key: KeyAutocomplete, Enabled: true, Description: "allow autocomplete queries against the upstream provider"},
	KeyMapSearch:      {Key: KeyMapSearch, Enabled: true, Description: "allow map-viewport search against the upstream provider"},
}

// Flag is a single feature flag as stored in Redis.
type Flag struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	// Reason records why an operator last flipped the flag.
	Reason      string    `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Store reads and writes feature flags in Redis.
type Store struct {
	rdb    redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a flag store backed by the given Redis client.
func NewStore(rdb redis.Client, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger,
		now:    time.Now,
	}
}

// InitDefaults seeds the well-known flags if absent. Idempotent: a flag an
// operator has already flipped is never overwritten.
func (s *Store) InitDefaults(ctx context.Context) error {
	for key, f := range defaultFlags {
		hkey := keyPrefix + key

		created, err := s.rdb.HSetNX(ctx, hkey, "enabled", boolField(f.Enabled)).Result()
		if err != nil {
			return fmt.Errorf("seeding flag %s: %w", key, err)
		}
		if created {
			if err := s.rdb.HSet(ctx, hkey,
				"description", f.Description,
				"updated_at", s.now().UTC().Format(time.RFC3339),
			).Err(); err != nil {
				return fmt.Errorf("seeding flag %s metadata: %w", key, err)
			}
		}

		if err := s.rdb.SAdd(ctx, indexKey, key).Err(); err != nil {
			return fmt.Errorf("indexing flag %s: %w", key, err)
		}
	}
	return nil
}

// Enabled reports whether the flag is on. Unknown flags and Redis errors
// both report enabled; a missing or unreadable flag must not disable a
// feature.
func (s *Store) Enabled(ctx context.Context, key string) bool {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		s.logger.Warn("flag lookup failed, failing open", "flag", key, "error", err)
		return true
	}
	if len(fields) == 0 {
		return true
	}
	return fields["enabled"] == "1"
}

// Get returns a single flag. Returns found=false for unknown keys.
func (s *Store) Get(ctx context.Context, key string) (Flag, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return Flag{}, false, fmt.Errorf("reading flag %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Flag{}, false, nil
	}
	return flagFromFields(key, fields), true, nil
}

// Set updates a flag's enabled state and operator reason, creating the flag
// if needed. An empty reason clears any previous one rather than leaving a
// stale explanation attached.
func (s *Store) Set(ctx context.Context, key string, enabled bool, reason string) (Flag, error) {
	hkey := keyPrefix + key
	updatedAt := s.now().UTC()

	if err := s.rdb.HSet(ctx, hkey,
		"enabled", boolField(enabled),
		"reason", reason,
		"updated_at", updatedAt.Format(time.RFC3339),
	).Err(); err != nil {
		return Flag{}, fmt.Errorf("writing flag %s: %w", key, err)
	}
	if err := s.rdb.SAdd(ctx, indexKey, key).Err(); err != nil {
		return Flag{}, fmt.Errorf("indexing flag %s: %w", key, err)
	}

	fields, err := s.rdb.HGetAll(ctx, hkey).Result()
	if err != nil {
		return Flag{}, fmt.Errorf("re-reading flag %s: %w", key, err)
	}
	return flagFromFields(key, fields), nil
}

// List returns all known flags sorted by key.
func (s *Store) List(ctx context.Context) ([]Flag, error) {
	keys, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing flags: %w", err)
	}

	out := make([]Flag, 0, len(keys))
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, keyPrefix+key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading flag %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, flagFromFields(key, fields))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func flagFromFields(key string, fields map[string]string) Flag {
	f := Flag{
		Key:         key,
		Enabled:     fields["enabled"] == "1",
		Reason:      fields["reason"],
		Description: fields["description"],
	}
	if ts := fields["updated_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			f.UpdatedAt = t
		}
	}
	return f
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
