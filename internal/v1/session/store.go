// Package session owns session codes and the per-session frame cache.
// Sessions live in the shared substrate so every relay process sees the same
// codes; expiry is the only destruction path.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/luminavis/relay/internal/v1/bus"
)

// codeAlphabet excludes I, O, 0 and 1 so codes stay unambiguous on small
// screens.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CodeLength is the number of characters in a session code.
	CodeLength = 6

	// OpenSessionID is the reserved id used when code gating is disabled.
	OpenSessionID = "__open__"

	// TTL is how long a session survives without any inbound frame.
	TTL = 24 * time.Hour
)

// FrameKind names one of the cached latest-frame slots.
type FrameKind string

const (
	FrameState FrameKind = "state"
	FrameSong  FrameKind = "song"
	FrameBeat  FrameKind = "beat"
)

// ReplayOrder is the contract order in which cached frames are replayed to
// new joiners.
var ReplayOrder = []FrameKind{FrameState, FrameSong, FrameBeat}

// Frames holds the latest cached frame per kind; a missing kind is nil.
type Frames struct {
	State []byte
	Song  []byte
	Beat  []byte
}

// Store allocates and validates session codes and caches the last
// state/song/beat frame per session.
type Store struct {
	bus *bus.Service
}

// NewStore creates a Store backed by the given KV adapter.
func NewStore(b *bus.Service) *Store {
	return &Store{bus: b}
}

func sessionKey(id string) string {
	return "ws:session:" + id
}

func frameKey(id string, kind FrameKind) string {
	return "ws:session:" + id + ":" + string(kind)
}

// Create mints a fresh six-character code and registers the session.
func (s *Store) Create(ctx context.Context) (string, error) {
	id, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	if err := s.register(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Ensure registers the session if absent. Idempotent: a second call only
// refreshes the TTL.
func (s *Store) Ensure(ctx context.Context, id string) error {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return s.Touch(ctx, id)
	}
	return s.register(ctx, id)
}

// Exists reports whether the session is known to the substrate.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.bus.Exists(ctx, sessionKey(id))
}

// CacheFrame stores the raw payload verbatim as the latest frame of its kind.
// Overwrites are unconditional; only the newest frame is retained.
func (s *Store) CacheFrame(ctx context.Context, id string, kind FrameKind, payload []byte) error {
	return s.bus.Set(ctx, frameKey(id, kind), string(payload), TTL)
}

// GetFrames fetches all three cached frames in one round trip. Missing kinds
// are nil; fetch errors surface as nil frames, never as failures.
func (s *Store) GetFrames(ctx context.Context, id string) (Frames, error) {
	vals, err := s.bus.MGet(ctx,
		frameKey(id, FrameState),
		frameKey(id, FrameSong),
		frameKey(id, FrameBeat),
	)
	if err != nil || len(vals) != 3 {
		return Frames{}, nil
	}
	return Frames{State: vals[0], Song: vals[1], Beat: vals[2]}, nil
}

// Frame returns the cached frame of one kind from a Frames bundle.
func (f Frames) Frame(kind FrameKind) []byte {
	switch kind {
	case FrameState:
		return f.State
	case FrameSong:
		return f.Song
	case FrameBeat:
		return f.Beat
	}
	return nil
}

// Touch refreshes the TTL on the session hash and all three frame keys.
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := s.bus.Expire(ctx, sessionKey(id), TTL); err != nil {
		return err
	}
	for _, kind := range ReplayOrder {
		_ = s.bus.Expire(ctx, frameKey(id, kind), TTL)
	}
	return nil
}

func (s *Store) register(ctx context.Context, id string) error {
	fields := map[string]string{
		"createdAt": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	return s.bus.HSet(ctx, sessionKey(id), fields, TTL)
}

// generateCode draws cryptographically random bytes modulo the reduced
// alphabet.
func generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}
