package player

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// XPForLevel returns the total experience needed to reach level.
func XPForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	return int64(100 * math.Pow(float64(level), 1.5))
}

// Snapshot is a point-in-time copy of a record, as written to the store.
type Snapshot struct {
	ID         uuid.UUID
	Name       string
	Experience int64
	Level      int
	PlayTime   time.Duration
	FirstSeen  int64
	LastSeen   int64
	Metadata   map[string]Value

	// Version is the mutation counter the snapshot was taken at. It is not
	// persisted.
	Version uint64
}

// Data is one cached entity record. All accessors are safe for concurrent
// use; every mutation marks the record dirty.
type Data struct {
	id uuid.UUID

	mu         sync.RWMutex
	name       string
	experience int64
	level      int
	playTime   time.Duration
	firstSeen  int64
	lastSeen   int64
	metadata   map[string]Value
	dirty      bool
	version    uint64

	sessionStart time.Time
	// synthesized by the cache and not yet activated
	fresh bool

	// held while a flush of this record is in flight
	flushMu sync.Mutex
}

func newData(id uuid.UUID, name string) *Data {
	return &Data{
		id:       id,
		name:     name,
		level:    1,
		metadata: make(map[string]Value),
	}
}

func fromSnapshot(s Snapshot) *Data {
	d := newData(s.ID, s.Name)
	d.experience = s.Experience
	if s.Level > 0 {
		d.level = s.Level
	}
	d.playTime = s.PlayTime
	d.firstSeen = s.FirstSeen
	d.lastSeen = s.LastSeen
	for k, v := range s.Metadata {
		d.metadata[k] = v
	}
	return d
}

// must hold d.mu
func (d *Data) touch() {
	d.dirty = true
	d.version++
}

// ID returns the record identity
func (d *Data) ID() uuid.UUID { return d.id }

// Name returns the display name
func (d *Data) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName changes the display name
func (d *Data) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.touch()
}

// Experience returns the cumulative experience
func (d *Data) Experience() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.experience
}

// SetExperience replaces the cumulative experience without changing level.
func (d *Data) SetExperience(xp int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.experience = xp
	d.touch()
}

// AddExperience adds amount and levels up while the total reaches the next
// level's threshold. It returns the levels reached, lowest first.
func (d *Data) AddExperience(amount int64) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.experience += amount
	d.touch()

	var reached []int
	for d.experience >= XPForLevel(d.level+1) {
		d.level++
		reached = append(reached, d.level)
	}
	return reached
}

// Level returns the current level
func (d *Data) Level() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.level
}

// SetLevel replaces the level
func (d *Data) SetLevel(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
	d.touch()
}

// PlayTime returns the cumulative online duration of finished sessions
func (d *Data) PlayTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.playTime
}

// AddPlayTime adds to the cumulative online duration
func (d *Data) AddPlayTime(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playTime += delta
	d.touch()
}

// FirstSeen returns the first activation time in epoch milliseconds, 0 if unset
func (d *Data) FirstSeen() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstSeen
}

// LastSeen returns the latest activation time in epoch milliseconds
func (d *Data) LastSeen() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Metadata returns the value stored under key.
func (d *Data) Metadata(key string) (Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.metadata[key]
	return v, ok
}

// SetMetadata stores v under key. A zero Value removes the key.
func (d *Data) SetMetadata(key string, v Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v.IsZero() {
		delete(d.metadata, key)
	} else {
		d.metadata[key] = v
	}
	d.touch()
}

// MetadataKeys returns the stored keys in sorted order.
func (d *Data) MetadataKeys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.metadata))
	for k := range d.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsDirty reports whether the record changed since its last successful flush
func (d *Data) IsDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

// MarkDirty forces the record into the next flush
func (d *Data) MarkDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touch()
}

// Online reports whether a session is open
func (d *Data) Online() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.sessionStart.IsZero()
}

// Snapshot copies the persisted fields together with the current version.
func (d *Data) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	md := make(map[string]Value, len(d.metadata))
	for k, v := range d.metadata {
		md[k] = v
	}
	return Snapshot{
		ID:         d.id,
		Name:       d.name,
		Experience: d.experience,
		Level:      d.level,
		PlayTime:   d.playTime,
		FirstSeen:  d.firstSeen,
		LastSeen:   d.lastSeen,
		Metadata:   md,
		Version:    d.version,
	}
}

// markClean clears the dirty flag if nothing changed after the snapshot at
// version was taken. It reports whether the record is now clean.
func (d *Data) markClean(version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.version != version {
		return false
	}
	d.dirty = false
	return true
}

// startSession stamps the activation. It reports whether the identity had
// no stored record before this session.
func (d *Data) startSession(name string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name != "" {
		d.name = name
	}
	ms := now.UnixMilli()
	d.lastSeen = ms
	first := d.fresh || d.firstSeen == 0
	if d.firstSeen == 0 {
		d.firstSeen = ms
	}
	d.fresh = false
	d.sessionStart = now
	d.touch()
	return first
}

// endSession folds the open session into play time and returns its length.
func (d *Data) endSession(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionStart.IsZero() {
		return 0
	}
	elapsed := now.Sub(d.sessionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	d.sessionStart = time.Time{}
	d.playTime += elapsed
	d.touch()
	return elapsed
}

func (d *Data) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("Data{id=%s name=%q level=%d xp=%d dirty=%t}", d.id, d.name, d.level, d.experience, d.dirty)
}
