//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import "syscall"

var reusePortControl func(network, address string, c syscall.RawConn) error
