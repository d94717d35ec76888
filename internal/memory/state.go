package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/memtab/internal/store"
)

// LoadDay reads the state stored for day. A missing key yields an empty state and found=false.
func LoadDay(ctx context.Context, s store.Store, day string) (DayState, bool, error) {
	raw, err := s.Get(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		return DayState{Entries: []Entry{}}, false, nil
	}
	if err != nil {
		return DayState{Entries: []Entry{}}, false, err
	}

	var st DayState
	if err := json.Unmarshal(raw, &st); err != nil {
		return DayState{Entries: []Entry{}}, false, fmt.Errorf("decode day %s: %w", day, err)
	}
	st.normalize()
	return st, true, nil
}

// SaveDay overwrites the whole value for day.
func SaveDay(ctx context.Context, s store.Store, day string, st DayState) error {
	st.normalize()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode day %s: %w", day, err)
	}
	return s.Set(ctx, day, raw)
}

// ListDays returns stored day keys, newest first.
func ListDays(ctx context.Context, s store.Store) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsDayKey(k) {
			days = append(days, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// ClearDays deletes every day key and leaves other keys alone. It returns the number removed.
func ClearDays(ctx context.Context, s store.Store) (int, error) {
	days, err := ListDays(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("list days: %w", err)
	}
	if err := s.Delete(ctx, days...); err != nil {
		return 0, fmt.Errorf("delete days: %w", err)
	}
	return len(days), nil
}

// LoadCredential returns the stored API key, or ErrInvalidCredential when it is
// missing or malformed.
func LoadCredential(ctx context.Context, s store.Store) (string, error) {
	raw, err := s.Get(ctx, CredentialKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	key := strings.TrimSpace(string(raw))
	if err := ValidateCredential(key); err != nil {
		return "", err
	}
	return key, nil
}

func SaveCredential(ctx context.Context, s store.Store, key string) error {
	key = strings.TrimSpace(key)
	if err := ValidateCredential(key); err != nil {
		return err
	}
	return s.Set(ctx, CredentialKey, []byte(key))
}

// SeedCredential stores key only when no credential exists yet. It reports whether it wrote.
func SeedCredential(ctx context.Context, s store.Store, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	if _, err := s.Get(ctx, CredentialKey); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err := SaveCredential(ctx, s, key); err != nil {
		return false, err
	}
	return true, nil
}
