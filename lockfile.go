package modemtime

import (
	"fmt"
	"os"
)

// portLock is the advisory lock file shared with other users of the modem
// port. Creation is exclusive, so an existing file means the port is busy.
// A process interrupted between acquire and release leaves a stale file
// behind; that is an accepted operational risk.
type portLock struct {
	path string
}

// acquire creates the lock file containing the caller's PID. It fails with
// fs.ErrExist when another process holds the lock.
func (l *portLock) acquire() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(l.path)
		return err
	}
	return f.Close()
}

// release removes the lock file. Removal failures are not reported; the
// next acquire will surface the conflict.
func (l *portLock) release() {
	os.Remove(l.path)
}
