package callstate

// StateChange событие телефонии: звонок вошел или вышел из активного набора
type StateChange int

const (
	// Call звонок стал активным
	Call StateChange = iota
	// Hangup звонок завершен
	Hangup
)

func (s StateChange) String() string {
	switch s {
	case Call:
		return "CALL"
	case Hangup:
		return "HANGUP"
	default:
		return "UNKNOWN"
	}
}
