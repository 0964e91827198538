package tunnel

import (
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgtunnel/internal/core"
)

// BuildConfiguration turns a validated profile and the device private key
// into a driver configuration with a single peer.
func BuildConfiguration(p *core.Profile, private wgtypes.Key) (Configuration, error) {
	peerKey, err := wgtypes.ParseKey(p.PeerPublicKey)
	if err != nil {
		return Configuration{}, &core.ValidationError{Field: "peer_public_key", Value: p.PeerPublicKey, Reason: err.Error()}
	}
	peer := Peer{
		PublicKey:           peerKey,
		Endpoint:            p.Endpoint,
		PersistentKeepalive: time.Duration(p.PersistentKeepalive) * time.Second,
	}
	if p.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(p.PresharedKey)
		if err != nil {
			return Configuration{}, &core.ValidationError{Field: "preshared_key", Reason: "not a 32-byte base64 key"}
		}
		peer.PresharedKey = &psk
	}
	for _, s := range p.AllowedIPs {
		pfx, err := core.ParseAllowedIP(s)
		if err != nil {
			return Configuration{}, &core.ValidationError{Field: "allowed_ips", Value: s, Reason: err.Error()}
		}
		peer.AllowedIPs = append(peer.AllowedIPs, pfx)
	}

	cfg := Configuration{
		PrivateKey: private,
		ListenPort: p.ListenPort,
		MTU:        p.MTU,
		Peers:      []Peer{peer},
	}
	for _, s := range p.Addresses {
		// Interface addresses keep their host bits.
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			a, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return Configuration{}, &core.ValidationError{Field: "addresses", Value: s, Reason: err.Error()}
			}
			pfx = netip.PrefixFrom(a, a.BitLen())
		}
		cfg.Addresses = append(cfg.Addresses, pfx)
	}
	return cfg, nil
}
