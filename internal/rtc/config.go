package rtc

import (
	"github.com/pion/webrtc/v3"

	"barkingtalk/internal/config"
)

// DefaultSTUNServers are used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTCConfig builds the peer connection configuration from the STUN/TURN settings.
func WebRTCConfig(cfg *config.Config) webrtc.Configuration {
	stunServers := cfg.STUNServers
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	var iceServers []webrtc.ICEServer

	// Add STUN servers
	for _, stun := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{stun},
		})
	}

	// Add TURN server if configured
	if cfg.TURNURL != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}
