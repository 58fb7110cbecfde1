// Package cluster defines the data model shared by the Agent and Manager
// sides of the fleet protocol (§3 Data Model): agent identity, groups,
// and the connection state machine (§4.2).
package cluster

import "regexp"

// agentIDPattern matches a valid AgentID: printable ASCII restricted to
// [A-Za-z0-9_-]+, per spec.md §3.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidAgentID reports whether id is a well-formed AgentID. Callers
// should reject a malformed id "without touching disk" (§8 boundary
// test) — check this before any lookup.
func ValidAgentID(id string) bool {
	return id != "" && agentIDPattern.MatchString(id)
}

// AgentEntry is one record from agents.yml: the agent's hashed shared
// secret, its allowed source-IP ranges, and its own data overrides.
type AgentEntry struct {
	SecretHash string         `yaml:"secret_hash"`
	AllowedIPs []string       `yaml:"allowed_ips"`
	Data       map[string]any `yaml:"data"`
}

// State is a connection's position in the handshake/auth state machine
// of §4.2. Transitions are one-directional; CLOSED is terminal.
type State int

const (
	StateConnecting State = iota
	StateHelloSent
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ProtocolVersion is this implementation's wire protocol version,
// exchanged in AgentHello/ManagerHello and checked per §4.2: a different
// major component fails the handshake, a different minor component only
// warns.
const ProtocolVersion = "1.0"

// CompatibleVersion reports whether peer's advertised version has the
// same major component as ours, and whether a warning should be logged
// for a differing minor component.
func CompatibleVersion(ours, peer string) (compatible bool, minorMismatch bool) {
	ourMajor, ourMinor := splitVersion(ours)
	peerMajor, peerMinor := splitVersion(peer)
	if ourMajor != peerMajor {
		return false, false
	}
	return true, ourMinor != peerMinor
}

func splitVersion(v string) (major, minor string) {
	for i, r := range v {
		if r == '.' {
			return v[:i], v[i+1:]
		}
	}
	return v, ""
}
