package session

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/KR7-gen/ai-vent-app/internal/config"
	"github.com/KR7-gen/ai-vent-app/internal/utils"
)

// PeerFactory builds peer connections for a negotiator. A fresh connection
// is built whenever the previous one has been closed.
type PeerFactory struct {
	ICEServers []webrtc.ICEServer
	Policy     webrtc.ICETransportPolicy

	// Loopback gathers candidates on loopback interfaces, for peers on the
	// same host.
	Loopback bool
}

// NewPeerFactory builds the ICE configuration from cfg. Relaying through
// TURN is forced when configured, or when a VPN or CGNAT interface makes
// direct candidates useless.
func NewPeerFactory(cfg *config.Config) *PeerFactory {
	f := &PeerFactory{Policy: webrtc.ICETransportPolicyAll}

	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		f.ICEServers = append(f.ICEServers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		f.ICEServers = append(f.ICEServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	if turnServers != nil && (cfg.ForceRelay || utils.ShouldForceRelay()) {
		f.Policy = webrtc.ICETransportPolicyRelay
	}
	return f
}

// New creates a peer connection.
func (f *PeerFactory) New() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, NewError("register interceptors", err)
	}

	var se webrtc.SettingEngine
	if f.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         f.ICEServers,
		ICETransportPolicy: f.Policy,
	})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return pc, nil
}
