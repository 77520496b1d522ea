//go:build unix && !linux

package shm

import "golang.org/x/sys/unix"

const mapFlags = unix.MAP_SHARED
