package modemtime

import "io"

// ModemPort is an open serial device carrying the modem. The DTR line is
// asserted before dialing and dropped on close to hang up the call.
// go.bug.st/serial's Port satisfies this interface directly.
type ModemPort interface {
	io.ReadWriteCloser
	SetDTR(on bool) error
}

// OpenPortType opens the device in raw mode at the given speed. The session
// calls it once per call cycle and owns the returned handle until the close
// sequence releases it.
type OpenPortType func(device string, baud int) (ModemPort, error)
