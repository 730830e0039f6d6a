// Package portarbiter acquires listening sockets on behalf of the Server
// Core, with an auto-switch fallback when the requested port is occupied
// and a force-close capability that evicts whatever process currently
// holds a port.
package portarbiter

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"xypriss/pkg/apperror"
	"xypriss/pkg/logger"
)

// Strategy controls how candidate ports are generated once the requested
// port is occupied and AutoSwitch is enabled.
type Strategy string

const (
	StrategyIncrement Strategy = "increment"
	StrategyRandom    Strategy = "random"
)

// AutoSwitchOptions configures the fallback behavior of Acquire.
type AutoSwitchOptions struct {
	Enabled     bool
	RangeLo     int
	RangeHi     int
	Strategy    Strategy
	MaxAttempts int
}

// Options configures one Acquire call.
type Options struct {
	AutoSwitch AutoSwitchOptions
}

// ListenSocket wraps a bound net.Listener together with the port it
// actually bound to, which may differ from the requested port when
// AutoSwitch kicked in.
type ListenSocket struct {
	net.Listener
	Host string
	Port int
}

// Acquire binds a listening socket for (host, port). If the port is
// occupied and opts.AutoSwitch.Enabled, candidate ports are tried in the
// order produced by Strategy until one binds or MaxAttempts is exhausted.
func Acquire(host string, port int, opts Options) (*ListenSocket, error) {
	if port < 0 || port > 65535 {
		return nil, apperror.New(apperror.CodeBadRequest, fmt.Sprintf("invalid port %d", port))
	}

	ln, err := tryBind(host, port)
	if err == nil {
		return ln, nil
	}
	if !isAddrInUse(err) {
		return nil, classify(err)
	}
	if !opts.AutoSwitch.Enabled {
		return nil, apperror.New(apperror.CodePortInUse, fmt.Sprintf("port %d in use", port))
	}

	candidates := candidatePorts(port, opts.AutoSwitch)
	for _, candidate := range candidates {
		ln, err := tryBind(host, candidate)
		if err == nil {
			return ln, nil
		}
		if !isAddrInUse(err) {
			return nil, classify(err)
		}
	}

	return nil, apperror.New(apperror.CodeNoCandidate, "no candidate port available in configured range")
}

func tryBind(host string, port int) (*ListenSocket, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return &ListenSocket{Listener: ln, Host: host, Port: tcpAddr.Port}, nil
}

// candidatePorts returns the ordered list of ports to try, excluding the
// originally-requested port, per the configured strategy.
func candidatePorts(requested int, opts AutoSwitchOptions) []int {
	lo, hi := opts.RangeLo, opts.RangeHi
	if lo <= 0 || hi < lo {
		lo, hi = requested+1, requested+1000
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = hi - lo + 1
	}

	var candidates []int
	switch opts.Strategy {
	case StrategyRandom:
		pool := make([]int, 0, hi-lo+1)
		for p := lo; p <= hi; p++ {
			if p != requested {
				pool = append(pool, p)
			}
		}
		rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		candidates = pool
	default: // StrategyIncrement
		for p := lo; p <= hi; p++ {
			if p != requested {
				candidates = append(candidates, p)
			}
		}
	}

	if len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	return candidates
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	return asOpError(err, &opErr) && opErr.Op == "listen"
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func classify(err error) error {
	if permissionDenied(err) {
		return apperror.Wrap(err, apperror.CodePermissionDenied, "permission denied binding socket")
	}
	return apperror.Wrap(err, apperror.CodePortInUse, "failed to bind socket")
}

// forceCloseSettleDelay is how long ForceClose waits after sending signals
// before re-verifying the port is free.
const forceCloseSettleDelay = 1 * time.Second

// forceCloseGraceWindow is how long ForceClose waits after the graceful
// signal before escalating to a forceful one.
const forceCloseGraceWindow = 500 * time.Millisecond

// forceCloseRetries bounds how many times ForceClose retries the
// underlying command invocation (process discovery + signal) before
// giving up.
const forceCloseRetries = 3

// forceCloseRetryBackoff is the delay between ForceClose command retries.
const forceCloseRetryBackoff = 500 * time.Millisecond

// ForceClose discovers the process bound to port (exact local-address
// match, never a substring match), signals it to stop, and re-verifies
// the port is free. It returns (true, nil) once freed, (false, nil) if no
// owner was found (already gone), and a ProtectedOwner-flavored error if
// the owner refused to die. ForceClose never retries against a protected
// owner — only the command-level discovery/signal step is retried.
func ForceClose(port int) (bool, error) {
	var lastErr error

	for attempt := 0; attempt < forceCloseRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(forceCloseRetryBackoff)
		}

		owner, err := findOwner(port)
		if err != nil {
			lastErr = err
			continue
		}
		if owner == 0 {
			return false, nil
		}

		if err := signalGraceful(owner); err != nil {
			if isProcessGone(err) {
				return true, nil
			}
			if isProtected(err) {
				return false, apperror.Wrap(err, apperror.CodePermissionDenied, "owning process is protected")
			}
			lastErr = err
			continue
		}

		time.Sleep(forceCloseGraceWindow)

		if stillBound(port, owner) {
			if err := signalForceful(owner); err != nil {
				if isProcessGone(err) {
					return true, nil
				}
				if isProtected(err) {
					return false, apperror.Wrap(err, apperror.CodePermissionDenied, "owning process is protected")
				}
				lastErr = err
				continue
			}
		}

		time.Sleep(forceCloseSettleDelay)

		if !stillBound(port, owner) {
			return true, nil
		}
		lastErr = apperror.New(apperror.CodePortInUse, fmt.Sprintf("port %d still bound after force-close", port))
	}

	if lastErr == nil {
		lastErr = apperror.New(apperror.CodePortInUse, fmt.Sprintf("could not free port %d", port))
	}
	logger.Log.Warn("force-close did not free port", "port", port, "error", lastErr.Error())
	return false, lastErr
}
