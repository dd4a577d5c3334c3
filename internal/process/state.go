package process

import "fmt"

// Type is the role a child plays for the host.
type Type string

const (
	TypePrompt     Type = "prompt"
	TypeBackground Type = "background"
	TypeSchedule   Type = "schedule"
	TypeApp        Type = "app"
	TypeOther      Type = "other"
)

func (t Type) String() string { return string(t) }

// Timed reports whether children of this type are subject to the lifetime timeout.
func (t Type) Timed() bool {
	return t != TypePrompt && t != TypeBackground
}

// ParseType maps a name onto a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypePrompt, TypeBackground, TypeSchedule, TypeApp, TypeOther:
		return t, nil
	case "":
		return TypeOther, nil
	default:
		return "", fmt.Errorf("unknown process type %q", s)
	}
}

// State Machine:
// Spawning -> Running -> Exiting -> Reaped
type State int32

const (
	StateSpawning State = iota
	StateRunning
	StateExiting
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}
