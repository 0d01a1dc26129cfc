package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/halfduplex/squawk/internal/mailbox"
)

func sdpFromPion(desc webrtc.SessionDescription) mailbox.SessionDesc {
	return mailbox.SessionDesc{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func sdpToPion(desc mailbox.SessionDesc) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) mailbox.Candidate {
	return mailbox.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c mailbox.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
