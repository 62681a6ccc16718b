package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/opspilot/opspilot/clock"
)

// KV implements Manager over a JetStream key-value bucket. Create gives
// set-if-absent; release and expired-lock takeover use revision CAS so
// concurrent claimants cannot both win.
type KV struct {
	kv    jetstream.KeyValue
	clock clock.Clock
}

// NewKV creates or opens the lock bucket.
func NewKV(ctx context.Context, js jetstream.JetStream, bucket string, clk clock.Clock) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "distributed workflow locks",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lock bucket %q: %w", bucket, err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &KV{kv: kv, clock: clk}, nil
}

type lockRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KV keys cannot contain ':'.
func kvKey(name string) string { return "lock." + name }

// Acquire takes the lock or returns ErrHeld immediately. An expired
// record is taken over with a revision-fenced update.
func (m *KV) Acquire(ctx context.Context, name string, lease time.Duration) (Lock, error) {
	now := m.clock.Now()
	rec := lockRecord{Token: uuid.NewString(), ExpiresAt: now.Add(lease)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Lock{}, fmt.Errorf("failed to encode lock record: %w", err)
	}

	_, err = m.kv.Create(ctx, kvKey(name), raw)
	if err == nil {
		return Lock{Name: name, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return Lock{}, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	// Key exists: live lock means held, expired lease means takeover.
	entry, err := m.kv.Get(ctx, kvKey(name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Lock{}, fmt.Errorf("lock %q: %w", name, ErrHeld)
	}
	if err != nil {
		return Lock{}, fmt.Errorf("failed to read lock %q: %w", name, err)
	}
	var existing lockRecord
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return Lock{}, fmt.Errorf("failed to decode lock %q: %w", name, err)
	}
	if existing.ExpiresAt.After(now) {
		return Lock{}, fmt.Errorf("lock %q: %w", name, ErrHeld)
	}
	if _, err := m.kv.Update(ctx, kvKey(name), raw, entry.Revision()); err != nil {
		return Lock{}, fmt.Errorf("lock %q: %w", name, ErrHeld)
	}
	return Lock{Name: name, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
}

// Release frees the lock if the token still owns it.
func (m *KV) Release(ctx context.Context, l Lock) error {
	entry, err := m.kv.Get(ctx, kvKey(l.Name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("lock %q: %w", l.Name, ErrNotHeld)
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %q: %w", l.Name, err)
	}
	var existing lockRecord
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return fmt.Errorf("failed to decode lock %q: %w", l.Name, err)
	}
	if existing.Token != l.Token {
		return fmt.Errorf("lock %q: %w", l.Name, ErrNotHeld)
	}
	if err := m.kv.Delete(ctx, kvKey(l.Name), jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.Name, err)
	}
	return nil
}
