//go:build !unix

package mqttd

import "net"

func openSocketPair() (r, w net.Conn, err error) {
	r, w = net.Pipe()
	return r, w, nil
}
