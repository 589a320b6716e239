package consumer

type State int32

const (
	StateStarting State = iota
	StateDeclaringTopology
	StateConsuming
	StateProcessing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDeclaringTopology:
		return "declaring_topology"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}
