//go:build linux

package transport

import (
	goserial "github.com/daedaluz/goserial"
)

// OpenSerial opens path as a character device and enables RTS/CTS hardware
// flow control, returning a SerialTransport ready for use by the bridge. Baud
// rate is set out-of-band (spec.md §4.1): this only configures flow control.
func OpenSerial(path string) (*SerialTransport, error) {
	port, err := goserial.Open(path, nil)
	if err != nil {
		return nil, err
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.Cflag |= goserial.CRTSCTS
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}

	return NewSerialTransport(port), nil
}
