package main

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/ortelay/core/routerset"
)

// routerFile is the on-disk shape of the minimal in-process router feed:
// an operator-maintained snapshot, never a live consensus fetch (directory
// parsing is out of scope for this process).
type routerFile struct {
	Routers []routerEntry `json:"routers"`
}

type routerEntry struct {
	Nickname    string          `json:"nickname"`
	Address     string          `json:"address"`
	ORPort      uint16          `json:"or_port"`
	Identity    string          `json:"identity"`      // hex, 20 bytes
	OnionKeyPub string          `json:"onion_key_pub"` // base64 PKIX DER
	Bandwidth   int64           `json:"bandwidth"`
	ExitPolicy  []exitRuleEntry `json:"exit_policy"`
	Guard       bool            `json:"guard"`
	Exit        bool            `json:"exit"`
	Fast        bool            `json:"fast"`
	Stable      bool            `json:"stable"`
}

type exitRuleEntry struct {
	Accept bool   `json:"accept"`
	CIDR   string `json:"cidr"` // empty means "any address"
	PortLo uint16 `json:"port_lo"`
	PortHi uint16 `json:"port_hi"`
}

// loadRouters reads the operator-maintained router snapshot at path and
// upserts every entry into rs. A missing file is not an error: a bare
// relay-only process may never need a router feed of its own.
func loadRouters(path string, rs *routerset.RouterSet) (int, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read router feed: %w", err)
	}

	var rf routerFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return 0, fmt.Errorf("parse router feed: %w", err)
	}

	for _, e := range rf.Routers {
		rd, identity, err := e.toDescriptor()
		if err != nil {
			return 0, fmt.Errorf("router %q: %w", e.Nickname, err)
		}
		rs.UpsertRouter(identity, rd)
	}
	return len(rf.Routers), nil
}

func (e routerEntry) toDescriptor() (routerset.RouterDescriptor, [20]byte, error) {
	var identity [20]byte
	idBytes, err := hex.DecodeString(e.Identity)
	if err != nil || len(idBytes) != len(identity) {
		return routerset.RouterDescriptor{}, identity, fmt.Errorf("identity must be 20 hex bytes")
	}
	copy(identity[:], idBytes)

	keyDER, err := base64.StdEncoding.DecodeString(e.OnionKeyPub)
	if err != nil {
		return routerset.RouterDescriptor{}, identity, fmt.Errorf("decode onion_key_pub: %w", err)
	}
	if _, err := x509.ParsePKIXPublicKey(keyDER); err != nil {
		return routerset.RouterDescriptor{}, identity, fmt.Errorf("parse onion_key_pub: %w", err)
	}

	policy := make([]routerset.ExitRule, 0, len(e.ExitPolicy))
	for _, r := range e.ExitPolicy {
		rule := routerset.ExitRule{Accept: r.Accept, PortLo: r.PortLo, PortHi: r.PortHi}
		if r.CIDR != "" {
			_, ipnet, err := net.ParseCIDR(r.CIDR)
			if err != nil {
				return routerset.RouterDescriptor{}, identity, fmt.Errorf("parse exit policy cidr %q: %w", r.CIDR, err)
			}
			rule.Net = ipnet
		}
		policy = append(policy, rule)
	}

	return routerset.RouterDescriptor{
		Nickname:    e.Nickname,
		Address:     e.Address,
		ORPort:      e.ORPort,
		OnionKeyPub: keyDER,
		Bandwidth:   e.Bandwidth,
		ExitPolicy:  policy,
		Flags: routerset.Flags{
			Valid:   true,
			Running: true,
			Fast:    e.Fast,
			Stable:  e.Stable,
			Exit:    e.Exit,
			Guard:   e.Guard,
		},
	}, identity, nil
}
