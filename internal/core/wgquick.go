package core

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

// ParseWgQuick reads a wg-quick style .conf and returns the profile it
// describes under the given name. Only the first [Peer] section is used
// since a session has exactly one peer. The [Interface] PrivateKey is
// reported separately; the device key pair lives in the key store.
func ParseWgQuick(r io.Reader, name string) (p *Profile, privateKey string, err error) {
	p = &Profile{Name: name}
	section := ""
	peers := 0

	firstLine := true
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		// Windows-exported configs often start with a UTF-8 BOM.
		if firstLine {
			line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
			firstLine = false
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			section = strings.ToLower(strings.Trim(line, "[] "))
			if section == "peer" {
				peers++
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch {
		case section == "interface":
			if err := parseInterfaceKey(key, value, p, &privateKey); err != nil {
				return nil, "", fmt.Errorf("[Interface] %s: %w", key, err)
			}
		case section == "peer" && peers == 1:
			if err := parsePeerKey(key, value, p); err != nil {
				return nil, "", fmt.Errorf("[Peer] %s: %w", key, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	if peers == 0 {
		return nil, "", fmt.Errorf("no [Peer] section")
	}
	if peers > 1 {
		Log.Warnf("Core", "Profile %q: ignoring %d extra [Peer] sections", name, peers-1)
	}
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	return p, privateKey, nil
}

func parseInterfaceKey(key, value string, p *Profile, privateKey *string) error {
	var err error
	switch key {
	case "privatekey":
		*privateKey = value
	case "listenport":
		p.ListenPort, err = strconv.Atoi(value)
	case "address":
		p.Addresses = append(p.Addresses, splitCSV(value)...)
	case "dns":
		// Search domains are mixed into DNS by wg-quick; keep only addresses.
		for _, s := range splitCSV(value) {
			if _, perr := netip.ParseAddr(s); perr == nil {
				p.DNS = append(p.DNS, s)
			}
		}
	case "mtu":
		p.MTU, err = strconv.Atoi(value)
	}
	return err
}

func parsePeerKey(key, value string, p *Profile) error {
	var err error
	switch key {
	case "publickey":
		p.PeerPublicKey = value
	case "presharedkey":
		p.PresharedKey = value
	case "endpoint":
		p.Endpoint = value
	case "allowedips":
		p.AllowedIPs = append(p.AllowedIPs, splitCSV(value)...)
	case "persistentkeepalive":
		if strings.EqualFold(value, "off") {
			return nil
		}
		p.PersistentKeepalive, err = strconv.Atoi(value)
	}
	return err
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
