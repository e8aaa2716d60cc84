//go:build !linux

package transport

import "net"

// peerCredentialsAvailable is false on platforms where the kernel does not
// expose SO_PEERCRED; filesystem permissions are the sole gate there.
const peerCredentialsAvailable = false

func peerUID(conn *net.UnixConn) (uint32, error) {
	return 0, nil
}
