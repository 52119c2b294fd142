package main

import (
	"go.bug.st/serial"

	"modemtime"
)

// openSerialPort opens the modem device in raw mode. serial.Port carries
// SetDTR and satisfies modemtime.ModemPort directly.
func openSerialPort(device string, baud int) (modemtime.ModemPort, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}
