//go:build darwin

package transport

import "golang.org/x/sys/unix"

// Darwin has no AF_UNIX SOCK_SEQPACKET.
const recordSockType = unix.SOCK_DGRAM
