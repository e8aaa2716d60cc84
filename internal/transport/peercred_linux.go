//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentialsAvailable is true on platforms where the kernel exposes
// SO_PEERCRED, per spec §4.2's "where available" gate.
const peerCredentialsAvailable = true

// peerUID returns the effective UID of the process on the other end of a
// Unix domain socket connection.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var uid uint32
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, e := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if e != nil {
			sockErr = e
			return
		}
		uid = cred.Uid
	})
	if err != nil {
		return 0, err
	}
	return uid, sockErr
}
