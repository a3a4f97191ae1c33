package conn

import (
	"net"
	"net/url"

	"github.com/inc-run/inc/cmn/cos"
)

// Dial opens a transport connection per the URL schemes accepted by
// this package: tcp://host:port, udp://host:port, unix:///abs/path,
// pipe:///abs/path (an alias for unix).
func Dial(rawurl string) (net.Conn, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, cos.NewErrINC(cos.InvalidArgs, "dial: %v", err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, cos.NewErrINC(cos.InvalidArgs, "dial: tcp url requires host:port")
		}
		return net.Dial("tcp", u.Host)
	case "udp":
		if u.Host == "" {
			return nil, cos.NewErrINC(cos.InvalidArgs, "dial: udp url requires host:port")
		}
		return net.Dial("udp", u.Host)
	case "unix", "pipe":
		if u.Path == "" {
			return nil, cos.NewErrINC(cos.InvalidArgs, "dial: %s url requires an absolute path", u.Scheme)
		}
		return net.Dial("unix", u.Path)
	default:
		return nil, cos.NewErrINC(cos.InvalidArgs, "dial: unsupported scheme %q", u.Scheme)
	}
}

// Listen opens a listener for the server side of the same scheme set.
func Listen(rawurl string) (net.Listener, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, cos.NewErrINC(cos.InvalidArgs, "listen: %v", err)
	}
	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)
	case "unix", "pipe":
		return net.Listen("unix", u.Path)
	case "udp":
		return nil, cos.NewErrINC(cos.InvalidArgs, "listen: udp has no connection-oriented listener")
	default:
		return nil, cos.NewErrINC(cos.InvalidArgs, "listen: unsupported scheme %q", u.Scheme)
	}
}
