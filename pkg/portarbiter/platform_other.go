//go:build !unix

// Windows side of the process-group-target shim. The spec allows an
// equivalent job-object-based mechanism "where the platform supports it";
// this module targets Unix as primary and documents Windows force-close as
// unimplemented rather than faking process discovery it cannot perform
// correctly.
package portarbiter

import "xypriss/pkg/apperror"

var errUnsupportedPlatform = apperror.New(apperror.CodeInvalidConfig, "force-close is not implemented on this platform")

func findOwner(port int) (int, error) {
	return 0, errUnsupportedPlatform
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
	return errUnsupportedPlatform
}

func signalForceful(pid int) error {
	return errUnsupportedPlatform
}

func isProcessGone(err error) bool {
	return false
}

func isProtected(err error) bool {
	return true
}

func permissionDenied(err error) bool {
	return false
}
