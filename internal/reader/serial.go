package reader

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialOpener opens real serial ports.
type SerialOpener struct {
	Baud        int
	ReadTimeout time.Duration
}

// NewSerialOpener returns an opener for the reader's line settings:
// 115200 baud, 100ms read timeout.
func NewSerialOpener(baud int) *SerialOpener {
	if baud <= 0 {
		baud = 115200
	}
	return &SerialOpener{Baud: baud, ReadTimeout: 100 * time.Millisecond}
}

func (o *SerialOpener) Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (o *SerialOpener) Open(name string) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: o.Baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(o.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}
