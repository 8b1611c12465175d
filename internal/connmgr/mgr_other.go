//go:build !linux

package connmgr

// New is only implemented on Linux, where BlueZ provides the host stack.
func New(Options) (Mgr, error) {
	return nil, ErrUnsupported
}
