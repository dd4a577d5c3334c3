package router

// EventKind names a host-wide notification raised while routing.
type EventKind string

const (
	EventPauseShortcuts   EventKind = "pause-shortcuts"
	EventResumeShortcuts  EventKind = "resume-shortcuts"
	EventExitPrompt       EventKind = "exit-prompt"
	EventToggleBackground EventKind = "toggle-background"
	// EventKenvChanged carries the new kenv path after SWITCH_KENV.
	EventKenvChanged EventKind = "kenv-changed"
)

// Event is delivered to whatever owns global shortcuts and the tray.
type Event struct {
	Kind EventKind `json:"kind"`
	Data any       `json:"data,omitempty"`
}
