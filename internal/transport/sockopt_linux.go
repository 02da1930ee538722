//go:build linux

package transport

import "golang.org/x/sys/unix"

// Sequenced packets keep record boundaries without the datagram queue limit.
const recordSockType = unix.SOCK_SEQPACKET
