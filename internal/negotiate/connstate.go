package negotiate

// ConnState is the three-valued connection state the control surface
// consumes. It is deliberately coarser than the transport's native states.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Connected    ConnState = "CONNECTED"
)

// MapConnState translates a transport-native connectivity state into the
// external ConnState. Unrecognized or future transport states map to
// Disconnected: fail closed rather than report a connection that may not
// exist.
func MapConnState(transportState string) ConnState {
	switch transportState {
	case "connected":
		return Connected
	case "new", "connecting", "checking":
		return Connecting
	default:
		return Disconnected
	}
}
