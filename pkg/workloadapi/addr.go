package workloadapi

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// SocketEnvVarName is the well-known environment variable holding the
// Workload API endpoint address when none is passed explicitly.
const SocketEnvVarName = "SPIFFE_ENDPOINT_SOCKET"

// GetDefaultAddress resolves the Workload API endpoint from the
// SPIFFE_ENDPOINT_SOCKET environment variable. A missing or blank variable
// yields an error wrapping ErrInvalidAddress.
func GetDefaultAddress() (string, error) {
	addr := strings.TrimSpace(os.Getenv(SocketEnvVarName))
	if addr == "" {
		return "", fmt.Errorf("%w: %s environment variable is not set", ErrInvalidAddress, SocketEnvVarName)
	}
	return addr, nil
}

// parseTargetFromAddr validates a Workload API endpoint address and returns
// the gRPC dial target for it.
//
// Accepted forms:
//   - unix:// followed by an absolute socket path
//   - tcp://host:port
//
// Anything else fails with an error wrapping ErrInvalidAddress, before any
// connection attempt.
func parseTargetFromAddr(addr string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q contains components beyond the endpoint", ErrInvalidAddress, addr)
	}

	switch strings.ToLower(u.Scheme) {
	case "unix":
		// unix:relative parses as opaque, unix://relative/path puts the
		// first segment in Host. Both mean a non-absolute socket path.
		if u.Opaque != "" || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return "", fmt.Errorf("%w: unix socket path must be absolute in %q", ErrInvalidAddress, addr)
		}
		return "unix://" + u.Path, nil
	case "tcp":
		if u.Opaque != "" || u.Path != "" {
			return "", fmt.Errorf("%w: tcp endpoint must be host:port in %q", ErrInvalidAddress, addr)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return "", fmt.Errorf("%w: tcp endpoint requires both host and port in %q", ErrInvalidAddress, addr)
		}
		return u.Host, nil
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidAddress, u.Scheme, addr)
	}
}
