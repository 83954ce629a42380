package phy

import (
	"fmt"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// PulseResetPin drives the co-processor's reset line low for hold, then
// releases it. Used when the serial radio sits on a Raspberry Pi header
// and needs a hardware reset before the port is opened.
func PulseResetPin(pin int, hold time.Duration) error {
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("serial radio: gpio unavailable: %w", err)
	}
	defer rpio.Close()

	p := rpio.Pin(pin)
	p.Output()
	p.Low()
	time.Sleep(hold)
	p.High()
	return nil
}
