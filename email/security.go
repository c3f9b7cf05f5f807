package email

import "strings"

// SecurityMode selects how a connection is encrypted.
type SecurityMode int

const (
	// None never negotiates TLS.
	None SecurityMode = iota
	// StartTLSWhenAvailable upgrades with STARTTLS only if the server
	// advertises it.
	StartTLSWhenAvailable
	// StartTLS requires a STARTTLS upgrade and fails without one.
	StartTLS
	// SSLOnConnect speaks TLS from the first byte (implicit TLS).
	SSLOnConnect
)

func (m SecurityMode) String() string {
	switch m {
	case None:
		return "none"
	case StartTLSWhenAvailable:
		return "starttls-when-available"
	case StartTLS:
		return "starttls"
	case SSLOnConnect:
		return "ssl-on-connect"
	default:
		return "unknown"
	}
}

// HostRule forces Mode for any host containing Substring.
type HostRule struct {
	Substring string
	Mode      SecurityMode
}

// SecurityPolicy decides the SecurityMode for a host. Rules are checked in
// order and the first match wins; hosts with no match fall back to the
// use-SSL setting.
type SecurityPolicy struct {
	Rules []HostRule
}

// DefaultSecurityPolicy forces STARTTLS for providers that refuse implicit
// TLS on their submission ports.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		Rules: []HostRule{
			{Substring: "smtp.mailtrap", Mode: StartTLS},
			{Substring: "smtp.ethereal", Mode: StartTLS},
		},
	}
}

// With returns a copy of p with rules appended after the existing ones.
func (p SecurityPolicy) With(rules ...HostRule) SecurityPolicy {
	r := make([]HostRule, 0, len(p.Rules)+len(rules))
	r = append(r, p.Rules...)
	r = append(r, rules...)
	return SecurityPolicy{Rules: r}
}

// Resolve returns the mode for host. Matching is case-sensitive and runs
// against the trimmed host name.
func (p SecurityPolicy) Resolve(host string, useSSL bool) SecurityMode {
	h := strings.TrimSpace(host)
	for _, r := range p.Rules {
		if r.Substring != "" && strings.Contains(h, r.Substring) {
			return r.Mode
		}
	}
	if useSSL {
		return SSLOnConnect
	}
	return StartTLSWhenAvailable
}
