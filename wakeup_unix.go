//go:build unix

package mqttd

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func openSocketPair() (r, w net.Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	r, err = fdConn(fds[0], "wakeup-r")
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	w, err = fdConn(fds[1], "wakeup-w")
	if err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return r, w, nil
}

// fdConn hands fd to the runtime poller. net.FileConn dups the descriptor,
// so the original is always closed here.
func fdConn(fd int, name string) (net.Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return net.FileConn(f)
}
