package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Listen schemes understood by the runtime.
const (
	SchemeHTTP      = "http"
	SchemeWebSocket = "websocket"
	SchemeTCP       = "tcp"
	SchemeText      = "text"
)

// Address is a parsed "scheme://host:port" listen string.
type Address struct {
	Scheme string
	Host   string
	Port   int
}

func (a Address) String() string {
	return a.Scheme + "://" + a.HostPort()
}

// HostPort returns host:port suitable for net.Listen.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseListen parses a listen string such as "websocket://0.0.0.0:8282".
// "ws" is accepted as an alias of "websocket".
func ParseListen(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, types.NewConfigurationError("listen", s, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "ws" {
		scheme = SchemeWebSocket
	}
	switch scheme {
	case SchemeHTTP, SchemeWebSocket, SchemeTCP, SchemeText:
	default:
		return Address{}, types.NewConfigurationError("listen", fmt.Sprintf("unsupported protocol %q", u.Scheme), nil)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Address{}, types.NewConfigurationError("listen", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, types.NewConfigurationError("listen", fmt.Sprintf("invalid port %q", portStr), err)
	}
	return Address{Scheme: scheme, Host: host, Port: port}, nil
}

// Listen opens a TCP listener. With reusePort several worker processes can
// bind the same address and the kernel balances accepts between them.
func Listen(ctx context.Context, hostPort string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(ctx, "tcp", hostPort)
}

func reusePortControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// TLSFromFiles loads a server certificate pair.
func TLSFromFiles(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, types.NewConfigurationError("tls", "ssl requires local_cert and local_pk", nil)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, types.NewConfigurationError("tls", "load key pair", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
