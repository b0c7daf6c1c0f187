package config

import (
	"net"
	"net/url"
	"strings"
)

// endpoint is the part of a configured URL or host:port that the
// enforce_secure_transport checks look at.
type endpoint struct {
	scheme string
	host   string
	query  url.Values
}

func parseEndpoint(raw string) endpoint {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return endpoint{}
	}
	return endpoint{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.TrimSpace(u.Hostname()),
		query:  u.Query(),
	}
}

// parseHostPort handles bare "host:port" values such as the MinIO endpoint.
func parseHostPort(raw string) endpoint {
	host, _, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		host = strings.TrimSpace(raw)
	}
	return endpoint{host: host}
}

func (e endpoint) loopback() bool {
	if strings.EqualFold(e.host, "localhost") {
		return true
	}
	ip := net.ParseIP(e.host)
	return ip != nil && ip.IsLoopback()
}

// plaintextPostgres reports whether libpq may fall back to an unencrypted
// connection.
func (e endpoint) plaintextPostgres() bool {
	switch strings.ToLower(strings.TrimSpace(e.query.Get("sslmode"))) {
	case "disable", "allow", "prefer":
		return true
	}
	return false
}

// secureOr reports whether the endpoint uses tlsScheme or stays on this host.
func (e endpoint) secureOr(tlsScheme string) bool {
	return e.scheme == tlsScheme || e.loopback()
}
