package transfer

import "net"

// LocalIP returns the address of the interface the OS would use to reach the
// wider network, which is the address a peer on the same network should dial.
// It falls back to the loopback address when no route exists. The UDP dial
// sends no packets; it only selects a source address.
func LocalIP() string {
	conn, err := net.Dial("udp", "1.1.1.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
