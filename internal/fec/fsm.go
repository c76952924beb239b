package fec

// State is a per-channel secure-FEC session state (spec.md §4.B).
type State uint8

const (
	StateNoSession State = iota
	StateEstablished
	StateEstablishedRotated
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "NoSession"
	case StateEstablished:
		return "Established"
	case StateEstablishedRotated:
		return "Established'"
	case StateTornDown:
		return "TornDown"
	default:
		return "Unknown"
	}
}

// Event drives a channel's state transition table.
type Event uint8

const (
	// EventValidSessionKey fires when a SESSION packet is accepted as the
	// channel's first session.
	EventValidSessionKey Event = iota
	// EventNewerEpochSessionKey fires when a SESSION packet with a newer
	// (epoch, channel_id) is accepted, replacing the current session.
	EventNewerEpochSessionKey
	// EventBlockIndexOverflow fires when RX detects MAX_BLOCK_IDX has been
	// exceeded and awaits a rotation announcement.
	EventBlockIndexOverflow
	// EventTeardown fires on channel shutdown.
	EventTeardown
)

func (e Event) String() string {
	switch e {
	case EventValidSessionKey:
		return "ValidSessionKey"
	case EventNewerEpochSessionKey:
		return "NewerEpochSessionKey"
	case EventBlockIndexOverflow:
		return "BlockIndexOverflow"
	case EventTeardown:
		return "Teardown"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
}

// fsmTable is a pure lookup table: (state, event) -> new state. No
// transition has a side effect of its own; callers (the RX state holder)
// perform the session-ring reset or rotation wait as a separate,
// explicit step driven by the returned FSMResult.
var fsmTable = map[stateEvent]transition{
	// spec.md §4.B: "receive-valid-session-key ⇒ Established"
	{StateNoSession, EventValidSessionKey}: {StateEstablished},

	// A newer session replacing an as-yet-unestablished channel is still
	// just the first acceptance.
	{StateNoSession, EventNewerEpochSessionKey}: {StateEstablished},

	// spec.md §4.B: "receive-session-key-with-newer-epoch ⇒ Established'"
	{StateEstablished, EventNewerEpochSessionKey}:        {StateEstablishedRotated},
	{StateEstablishedRotated, EventNewerEpochSessionKey}: {StateEstablishedRotated},

	// A repeated announce of the already-current session is a no-op.
	{StateEstablished, EventValidSessionKey}:        {StateEstablished},
	{StateEstablishedRotated, EventValidSessionKey}: {StateEstablishedRotated},

	// spec.md §4.B: "detection of MAX_BLOCK_IDX overflow by RX ⇒ wait for
	// rotation" — state does not change; the RX side simply stops
	// admitting further DATA frames on the exhausted session until a new
	// SESSION packet with a newer epoch arrives.
	{StateEstablished, EventBlockIndexOverflow}:        {StateEstablished},
	{StateEstablishedRotated, EventBlockIndexOverflow}: {StateEstablishedRotated},

	// Teardown is terminal from every state.
	{StateNoSession, EventTeardown}:          {StateTornDown},
	{StateEstablished, EventTeardown}:        {StateTornDown},
	{StateEstablishedRotated, EventTeardown}: {StateTornDown},
}

// FSMResult reports the outcome of applying an event to a state.
type FSMResult struct {
	OldState State
	NewState State
	Changed  bool
}

// ApplyEvent is a pure function: given the current state and an event,
// returns the resulting state. Unmatched (state, event) pairs leave the
// state unchanged and report Changed=false.
func ApplyEvent(current State, event Event) FSMResult {
	t, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return FSMResult{OldState: current, NewState: current, Changed: false}
	}

	return FSMResult{
		OldState: current,
		NewState: t.newState,
		Changed:  current != t.newState,
	}
}
