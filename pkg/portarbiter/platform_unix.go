//go:build unix

// Process-group targeting is the one place this spec calls out for a
// platform shim (Design Notes §9: "abstract 'process group target' behind
// a platform shim with two implementations"). This file is the Unix side:
// process discovery via /proc/net/tcp{,6} inode matching, signaling via
// syscall.Kill.
package portarbiter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// findOwner returns the pid bound to port via an exact local-address
// match against every inode in /proc/net/tcp and /proc/net/tcp6, then
// resolves that inode to a pid by scanning /proc/<pid>/fd. Returns
// (0, nil) if no owner is found.
func findOwner(port int) (int, error) {
	inode, err := findSocketInode(port)
	if err != nil {
		return 0, err
	}
	if inode == "" {
		return 0, nil
	}

	pid, err := findPidForInode(inode)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func findSocketInode(port int) (string, error) {
	hexPort := fmt.Sprintf("%04X", port)

	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		inode, err := scanProcNetTCP(path, hexPort)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if inode != "" {
			return inode, nil
		}
	}
	return "", nil
}

// scanProcNetTCP finds the inode of the listening socket whose local
// address port field exactly equals hexPort. Field 1 is "local_address"
// formatted ADDR:PORT in hex; field 3 is connection state ("0A" == LISTEN);
// field 9 is the inode.
func scanProcNetTCP(path, hexPort string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1]
		state := fields[3]
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		if state != "0A" { // TCP_LISTEN
			continue
		}
		if !strings.EqualFold(parts[1], hexPort) {
			continue
		}
		return fields[9], nil
	}
	return "", scanner.Err()
}

func findPidForInode(inode string) (int, error) {
	target := "socket:[" + inode + "]"

	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}

	for _, entry := range procEntries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // not a pid directory
		}

		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or fds unreadable, skip
		}

		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid, nil
			}
		}
	}

	return 0, nil
}

func stillBound(port, _ int) bool {
	ln, err := tryBind("", port)
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

func signalGraceful(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func signalForceful(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

func isProcessGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

func isProtected(err error) bool {
	return errors.Is(err, syscall.EPERM)
}

func permissionDenied(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}
