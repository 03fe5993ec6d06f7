package player

import (
	"time"

	"github.com/google/uuid"
)

// Session events the host publishes on the bus. The manager subscribes to
// all three on Initialize.

// PreLoginEvent is published before an identity joins. The manager preloads
// its record and holds the publisher until the load finishes.
type PreLoginEvent struct {
	ID   uuid.UUID
	Name string
}

func (PreLoginEvent) EventName() string { return "xzcore.player.prelogin" }

// SessionStartEvent is published when an identity becomes active.
type SessionStartEvent struct {
	ID   uuid.UUID
	Name string
}

func (SessionStartEvent) EventName() string { return "xzcore.player.session_start" }

// SessionEndEvent is published when an identity leaves.
type SessionEndEvent struct {
	ID uuid.UUID
}

func (SessionEndEvent) EventName() string { return "xzcore.player.session_end" }

// Events the manager publishes.

// ActivatedEvent follows a successful activation. First is set when the
// identity had no stored record.
type ActivatedEvent struct {
	ID    uuid.UUID
	Name  string
	First bool
}

func (ActivatedEvent) EventName() string { return "xzcore.player.activated" }

// DeactivatedEvent follows an eviction; Session is the length of the session
// that ended.
type DeactivatedEvent struct {
	ID      uuid.UUID
	Session time.Duration
}

func (DeactivatedEvent) EventName() string { return "xzcore.player.deactivated" }

// LevelUpEvent is published once per level reached.
type LevelUpEvent struct {
	ID    uuid.UUID
	Level int
}

func (LevelUpEvent) EventName() string { return "xzcore.player.level_up" }
