package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds the shared webrtc.API every Peer of this process is created
// from. A zero port range leaves pion's ephemeral port selection alone.
func NewAPI(udpPortMin, udpPortMax uint16) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if udpPortMin != 0 || udpPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(udpPortMin, udpPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
