package config

import (
	"fmt"
	"strconv"
)

// Endpoint describes one HTTP endpoint of the identity provider or of the
// protected application (scheme, hostname, port and path).
type Endpoint struct {
	Scheme   string `mapstructure:"scheme"`
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	Path     string `mapstructure:"path"`
}

// URL renders the endpoint as scheme://hostname[:port]path. The port is
// omitted when it is the default for the scheme (443 for https, 80 for
// http); callback host matching relies on this rule.
func (e Endpoint) URL() string {
	if (e.Scheme == "https" && e.Port == 443) || (e.Scheme == "http" && e.Port == 80) {
		return fmt.Sprintf("%s://%s%s", e.Scheme, e.Hostname, e.Path)
	}
	return fmt.Sprintf("%s://%s:%d%s", e.Scheme, e.Hostname, e.Port, e.Path)
}

// HostPort returns hostname:port.
func (e Endpoint) HostPort() string {
	return e.Hostname + ":" + strconv.Itoa(e.Port)
}

func (e Endpoint) validate(name string) error {
	if e.Scheme != "http" && e.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", name, e.Scheme)
	}
	if e.Hostname == "" {
		return fmt.Errorf("%s: hostname is required", name)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%s: invalid port %d", name, e.Port)
	}
	return nil
}
