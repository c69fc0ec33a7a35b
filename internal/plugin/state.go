package plugin

// State is a plugin's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopping      State = "stopping"
	StateError         State = "error"
)

var transitions = map[State][]State{
	StateUninitialized: {StateStopped},
	StateStopped:       {StateStarting},
	StateStarting:      {StateRunning, StateError},
	StateRunning:       {StatePaused, StateStopping, StateError},
	StatePaused:        {StateRunning, StateStopping},
	StateStopping:      {StateStopped, StateError},
}

// CanTransition reports whether s → to is a legal lifecycle step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the plugin has been started and not stopped.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

// Authority is who asked for a pause. Authorities are totally ordered: a
// pause can be lifted by an equal or higher authority only.
type Authority int

const (
	AuthorityNone Authority = iota
	AuthorityWebUI
	AuthorityApp
)

func (a Authority) String() string {
	switch a {
	case AuthorityWebUI:
		return "webUI"
	case AuthorityApp:
		return "app"
	default:
		return "none"
	}
}

// CanResume reports whether a may lift a pause placed by pausedBy.
func (a Authority) CanResume(pausedBy Authority) bool {
	return a >= pausedBy
}
