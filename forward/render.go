package forward

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const generatedMarker = "# HAProxy configuration for VortexL2\n"

const header = generatedMarker + `# Generated by vortexl2, do not edit manually

global
    maxconn %d
    log /dev/log local0
    log /dev/log local1 notice
    chroot /var/lib/haproxy
    stats timeout 30s
    daemon

defaults
    log     global
    mode    tcp
    option  tcplog
    option  dontlognull
    option  redispatch
    retries 3
    timeout connect 5s
    timeout client  50s
    timeout server  50s

frontend vortexl2_stats
    mode http
    bind %s
    stats enable
    stats uri /stats
    stats refresh 10s
`

// Render produces the HAProxy configuration for units.  Output depends only
// on its arguments.
func Render(cfg *Config, units []Unit) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, header, cfg.MaxConn, cfg.StatsBind)

	for _, u := range units {
		port := strconv.Itoa(int(u.Port))
		backend := "vortexl2_backend_" + port

		fmt.Fprintf(&b, "\nfrontend vortexl2_port_%s\n", port)
		b.WriteString("    mode tcp\n")
		fmt.Fprintf(&b, "    bind %s\n", net.JoinHostPort("0.0.0.0", port))
		fmt.Fprintf(&b, "    default_backend %s\n", backend)

		fmt.Fprintf(&b, "\nbackend %s\n", backend)
		b.WriteString("    mode tcp\n")
		fmt.Fprintf(&b, "    server %s_%s %s check inter 10s fall 3 rise 2\n",
			u.Tunnel, port, net.JoinHostPort(u.Target, port))
	}
	return []byte(b.String())
}
