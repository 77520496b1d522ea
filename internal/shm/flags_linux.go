//go:build linux

package shm

import "golang.org/x/sys/unix"

// MAP_POPULATE pre-faults the pages so the first Wait does not take a fault
const mapFlags = unix.MAP_SHARED | unix.MAP_POPULATE
