package streamer

import (
	"net"
	"strconv"
)

// routeProbeAddr is dialed over UDP to learn which local address the
// default route uses. No packet is sent.
const routeProbeAddr = "8.8.8.8:80"

// outboundIP returns the local IP other hosts on the network can reach, or
// 127.0.0.1 when there is no route.
func outboundIP() string {
	conn, err := net.Dial("udp", routeProbeAddr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// advertiseHost picks the host clients should use for a listener bound to
// bindHost.
func advertiseHost(bindHost string) string {
	if bindHost == "" {
		return outboundIP()
	}
	if ip := net.ParseIP(bindHost); ip != nil && ip.IsUnspecified() {
		return outboundIP()
	}
	return bindHost
}

func streamURL(host string, port int, path string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}
