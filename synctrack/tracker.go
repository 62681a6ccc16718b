// Package synctrack detects knowledge-base changes between sync runs by
// diffing file fingerprints against durably stored state.
package synctrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/opspilot/opspilot/capability"
)

// StateKey is the record the last committed sync state lives under.
const StateKey = "kbsync.last_state"

// State persists the last committed fingerprint map.
type State interface {
	Load(ctx context.Context) ([]byte, error) // nil, nil when absent
	Save(ctx context.Context, raw []byte) error
}

type fingerprint struct {
	ModTime time.Time `json:"mtime"`
	Size    int64     `json:"size"`
}

// Tracker implements capability.ChangeTracker.
type Tracker struct {
	state State
}

// New returns a Tracker over the given state record.
func New(state State) *Tracker {
	return &Tracker{state: state}
}

// Detect partitions current against the last committed state. A file is
// modified when its mtime or size differ.
func (t *Tracker) Detect(ctx context.Context, current []capability.FileInfo) (capability.ChangeSet, error) {
	raw, err := t.state.Load(ctx)
	if err != nil {
		return capability.ChangeSet{}, fmt.Errorf("failed to load sync state: %w", err)
	}
	last := map[string]fingerprint{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &last); err != nil {
			return capability.ChangeSet{}, fmt.Errorf("failed to decode sync state: %w", err)
		}
	}

	var cs capability.ChangeSet
	seen := make(map[string]bool, len(current))
	for _, f := range current {
		seen[f.Path] = true
		prev, ok := last[f.Path]
		switch {
		case !ok:
			cs.Added = append(cs.Added, f.Path)
		case !prev.ModTime.Equal(f.ModTime) || prev.Size != f.Size:
			cs.Modified = append(cs.Modified, f.Path)
		default:
			cs.Unchanged = append(cs.Unchanged, f.Path)
		}
	}
	for path := range last {
		if !seen[path] {
			cs.Deleted = append(cs.Deleted, path)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	sort.Strings(cs.Unchanged)
	return cs, nil
}

// Commit persists current as the new baseline. Called only after the
// sync's writes have landed, so a failed sync re-detects its changes.
func (t *Tracker) Commit(ctx context.Context, current []capability.FileInfo) error {
	state := make(map[string]fingerprint, len(current))
	for _, f := range current {
		state[f.Path] = fingerprint{ModTime: f.ModTime, Size: f.Size}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}
	if err := t.state.Save(ctx, raw); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// KVState stores sync state in a JetStream key-value bucket.
type KVState struct {
	kv jetstream.KeyValue
}

// NewKVState creates or opens the sync-state bucket.
func NewKVState(ctx context.Context, js jetstream.JetStream, bucket string) (*KVState, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "knowledge-base sync state",
		History:     3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync-state bucket %q: %w", bucket, err)
	}
	return &KVState{kv: kv}, nil
}

// Load returns the committed state or nil when none exists.
func (s *KVState) Load(ctx context.Context) ([]byte, error) {
	entry, err := s.kv.Get(ctx, StateKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// Save replaces the committed state.
func (s *KVState) Save(ctx context.Context, raw []byte) error {
	_, err := s.kv.Put(ctx, StateKey, raw)
	return err
}

// MemState is an in-memory State for tests.
type MemState struct {
	mu  sync.Mutex
	raw []byte
}

// Load returns the stored bytes.
func (s *MemState) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw, nil
}

// Save stores raw.
func (s *MemState) Save(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append([]byte(nil), raw...)
	return nil
}
