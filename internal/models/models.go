package models

import (
	"time"

	"github.com/google/uuid"
)

// Dialect is a closed enumeration of supported database engine families.
type Dialect string

const (
	DialectMySQL Dialect = "mysql"
	DialectMSSQL Dialect = "mssql"
)

func (d Dialect) Valid() bool {
	switch d {
	case DialectMySQL, DialectMSSQL:
		return true
	default:
		return false
	}
}

// InstanceState is the lifecycle state of an Instance. It advances
// monotonically except for the Ready<->Busy cycle.
type InstanceState string

const (
	StateCreating  InstanceState = "creating"
	StateReady     InstanceState = "ready"
	StateBusy      InstanceState = "busy"
	StateEvicting  InstanceState = "evicting"
	StateDestroyed InstanceState = "destroyed"
)

// NewID generates an opaque, unguessable 128-bit identifier.
func NewID() string {
	return uuid.NewString()
}

// Instance represents one logical database bound to one host container.
type Instance struct {
	ID              string
	Dialect         Dialect
	HostContainerID string
	DBName          string
	Username        string
	Password        string
	State           InstanceState
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ExpiresAt       time.Time
	ForkedFrom      string
	SizeBytes       int64
	ReadOnly        bool
}

// DBNameFor derives the internal database name deterministically from
// the instance identifier.
func DBNameFor(id string) string {
	return "db_" + stripHyphens(id)
}

// UsernameFor derives the scoped username deterministically from the
// instance identifier. MySQL/MSSQL both cap identifier length well
// above 20 bytes, so a truncated UUID is safe.
func UsernameFor(id string) string {
	stripped := stripHyphens(id)
	if len(stripped) > 16 {
		stripped = stripped[:16]
	}
	return "u_" + stripped
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// HostContainerState is the lifecycle state of a pool host container.
type HostContainerState string

const (
	HostPulling  HostContainerState = "pulling"
	HostStarting HostContainerState = "starting"
	HostReady    HostContainerState = "ready"
	HostDraining HostContainerState = "draining"
	HostGone     HostContainerState = "gone"
)

// HostContainer is a running engine container hosting zero or more
// logical database instances.
type HostContainer struct {
	ID             string
	ContainerID    string
	Dialect        Dialect
	State          HostContainerState
	HostedCount    int
	LastHealthAt   time.Time
	ConsecutiveErr int
}

// BackupRecord is an immutable snapshot of a live instance's data.
type BackupRecord struct {
	BackupID   string
	DBID       string
	Dialect    Dialect
	CreatedAt  time.Time
	ExpiresAt  time.Time
	SizeBytes  int64
	StorageKey string
}

// EventKind enumerates the three kinds of query output events plus the
// terminal "done" marker used only at the SSE framing layer.
type EventKind string

const (
	EventLine   EventKind = "line"
	EventRecord EventKind = "record"
	EventError  EventKind = "error"
	EventDone   EventKind = "done"
)

// Event is one element of the query output stream.
type Event struct {
	Kind    EventKind
	Text    string    // line
	Columns []string  // record
	Row     []*string // record; nil element represents SQL NULL
	Code    string    // error
	Message string    // error
	Detail  string    // error

	ElapsedMS int64 // done
}
