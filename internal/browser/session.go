package browser

import (
	"net"
	"strconv"
)

// TrustPolicy controls whether TLS certificate errors abort navigation.
type TrustPolicy int

const (
	// TrustValidate rejects invalid certificates. This is the default.
	TrustValidate TrustPolicy = iota
	// TrustIgnoreErrors accepts self-signed and otherwise invalid certificates.
	TrustIgnoreErrors
)

func (p TrustPolicy) String() string {
	if p == TrustIgnoreErrors {
		return "ignore-errors"
	}
	return "validate"
}

// ImagePolicy controls whether the engine fetches image resources.
type ImagePolicy int

const (
	// ImagesEnabled loads <img> sources and CSS background images. This is the default.
	ImagesEnabled ImagePolicy = iota
	// ImagesDisabled skips them.
	ImagesDisabled
)

func (p ImagePolicy) String() string {
	if p == ImagesDisabled {
		return "disabled"
	}
	return "enabled"
}

// ProxyConfig routes engine traffic through an HTTP proxy. User and Pass
// answer 407 challenges and are optional.
type ProxyConfig struct {
	Host string
	Port int
	User string
	Pass string
}

// Addr returns host:port.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Credentials answer HTTP basic-auth challenges.
type Credentials struct {
	User string
	Pass string
}

// SessionState is the set of policies a Client has sent to the engine.
// Policies survive Reset.
type SessionState struct {
	SSLTrust     TrustPolicy
	ImageLoading ImagePolicy
	Proxy        *ProxyConfig
	Credentials  *Credentials
	// OwnerPID is the process id that first used the connection, or 0 if
	// the connection has not been used yet.
	OwnerPID int
}

// clone returns a deep copy.
func (s SessionState) clone() SessionState {
	out := s
	if s.Proxy != nil {
		p := *s.Proxy
		out.Proxy = &p
	}
	if s.Credentials != nil {
		c := *s.Credentials
		out.Credentials = &c
	}
	return out
}
