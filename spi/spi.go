// Package spi provides a Raspberry Pi SPI transport for the mmc driver,
// built on go-rpio. Chip-select is driven manually through a GPIO pin
// because the card protocol needs the line held across whole multi-byte
// operations, not toggled per transfer.
package spi

import (
	"github.com/sirupsen/logrus"
	rpio "github.com/stianeikeland/go-rpio/v4"
)

// DefaultClock is the bus rate set at open. The mmc driver lowers and
// restores it around initialization through SetClock.
const DefaultClock = 25_000_000 // 25 MHz

// DefaultSelectPin is GPIO 8 (CE0 on the Pi header).
const DefaultSelectPin = 8

// Port is an open SPI channel plus the chip-select line for one card. It
// implements the driver's Transport, SelectLine and ClockSetter interfaces.
type Port struct {
	dev rpio.SpiDev
	cs  rpio.Pin
	log *logrus.Entry
}

// Open opens SPI0 with the chip-select on the default pin.
func Open() (*Port, error) {
	return OpenPort(rpio.Spi0, DefaultSelectPin, nil)
}

// OpenPort opens the given SPI device with a GPIO-driven chip-select,
// configured MSB-first, mode 0, 8-bit words at DefaultClock. The select
// line starts deasserted.
func OpenPort(dev rpio.SpiDev, selectPin uint8, log *logrus.Entry) (*Port, error) {
	if err := rpio.Open(); err != nil {
		return nil, err
	}
	if err := rpio.SpiBegin(dev); err != nil {
		rpio.Close()
		return nil, err
	}
	rpio.SpiMode(0, 0)
	rpio.SpiSpeed(DefaultClock)

	cs := rpio.Pin(selectPin)
	cs.Output()
	cs.High()

	p := &Port{dev: dev, cs: cs, log: log}
	if log != nil {
		log.WithFields(logrus.Fields{
			"dev":    int(dev),
			"select": selectPin,
		}).Debug("spi port open")
	}
	return p, nil
}

// Transfer exchanges one byte on the bus.
func (p *Port) Transfer(out byte) (byte, error) {
	buf := []byte{out}
	rpio.SpiExchange(buf)
	return buf[0], nil
}

// Assert drives the chip-select low.
func (p *Port) Assert() { p.cs.Low() }

// Deassert drives the chip-select high.
func (p *Port) Deassert() { p.cs.High() }

// SetClock changes the bus clock rate.
func (p *Port) SetClock(hz uint32) error {
	if p.log != nil {
		p.log.WithField("hz", hz).Debug("spi clock change")
	}
	rpio.SpiSpeed(int(hz))
	return nil
}

// Close releases the SPI device and the GPIO mapping.
func (p *Port) Close() error {
	p.cs.High()
	rpio.SpiEnd(p.dev)
	return rpio.Close()
}
