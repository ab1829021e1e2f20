// Package mmc implements an SD/MMC block driver speaking the card protocol
// over a raw SPI bus. It negotiates card initialization and performs single-
// and multi-block reads and writes at byte-level addressing, hiding 512-byte
// block alignment from callers.
//
// The driver is synchronous and blocking: every bus operation completes
// before the call returns, and all waiting is bounded polling against the
// wall clock. A Device is not safe for concurrent use; callers serialize
// access per card slot. Multiple slots are multiple Devices, each with its
// own transport and scratch state.
package mmc

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockLen is the fixed transfer block size. SDHC/SDXC cards only support
// 512-byte blocks in SPI mode.
const BlockLen = 512

// Transport exchanges one byte on the SPI bus and returns the byte the card
// drove simultaneously. It is the only data-movement primitive; all
// multi-byte operations are built from repeated single-byte exchanges.
type Transport interface {
	Transfer(out byte) (in byte, err error)
}

// SelectLine drives the card's active-low chip-select.
type SelectLine interface {
	Assert()
	Deassert()
}

// ClockSetter is implemented by transports whose bus clock can be changed at
// runtime. Init uses it to drop to the negotiation rate the protocol
// mandates (100-400 kHz) and to restore the full rate afterwards. Transports
// without it are assumed to already run at a rate the card accepts.
type ClockSetter interface {
	SetClock(hz uint32) error
}

// CardType identifies the protocol generation detected during Init.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardSD1              // Ver1.x standard capacity, byte addressed
	CardSD2              // Ver2.00+ standard capacity, byte addressed
	CardSDHC             // Ver2.00+ high/extended capacity, block addressed
)

func (t CardType) String() string {
	switch t {
	case CardSD1:
		return "SD1"
	case CardSD2:
		return "SD2"
	case CardSDHC:
		return "SDHC"
	default:
		return "unknown"
	}
}

// Device is a single SPI-attached card slot. Create one with New, call Init
// once to bring the card up, then Read and Write at arbitrary byte addresses.
type Device struct {
	bus Transport
	cs  SelectLine
	log *logrus.Entry

	cardType       CardType
	blockAddressed bool
	ready          bool

	initClock uint32
	fullClock uint32

	opCondTimeout  time.Duration
	opCondInterval time.Duration
	tokenTimeout   time.Duration
	tokenInterval  time.Duration
	busyTimeout    time.Duration
	busyInterval   time.Duration

	// Scratch buffers for block staging. buf carries every data block on
	// the wire; tail holds the pre-read of the last block during an
	// unaligned multi-block write.
	buf  [BlockLen]byte
	tail [BlockLen]byte
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithLogger attaches a logger for protocol-level debug output. The default
// is silent.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Device) { d.log = log }
}

// WithInitClock overrides the negotiation clock rate requested from a
// ClockSetter transport during Init. The protocol mandates 100-400 kHz.
func WithInitClock(hz uint32) Option {
	return func(d *Device) { d.initClock = hz }
}

// WithClock overrides the full-speed clock rate restored after Init.
func WithClock(hz uint32) Option {
	return func(d *Device) { d.fullClock = hz }
}

// WithOpCondTimeout overrides the deadline for the operating-condition
// polling loop during Init. The default is one second.
func WithOpCondTimeout(t time.Duration) Option {
	return func(d *Device) { d.opCondTimeout = t }
}

// New creates a Device on the given transport and chip-select line. The card
// is not touched until Init.
func New(bus Transport, cs SelectLine, opts ...Option) *Device {
	d := &Device{
		bus: bus,
		cs:  cs,

		initClock: 250_000,
		fullClock: 25_000_000,

		opCondTimeout:  time.Second,
		opCondInterval: 100 * time.Millisecond,
		tokenTimeout:   200 * time.Millisecond,
		tokenInterval:  5 * time.Millisecond,
		busyTimeout:    5 * time.Second,
		busyInterval:   10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Type returns the card generation detected by Init.
func (d *Device) Type() CardType { return d.cardType }

// BlockAddressed reports whether command arguments address blocks (SDHC and
// SDXC) rather than bytes (standard capacity).
func (d *Device) BlockAddressed() bool { return d.blockAddressed }

// Init drives the card from power-on to the ready state, following the power
// up sequence of section 6.4.1 and the SPI mode selection flow of 7.2.1.
// It detects the card generation and its addressing mode. On any failure the
// card is left deselected and the Device stays unusable.
func (d *Device) Init() error {
	d.ready = false
	d.cardType = CardUnknown
	d.blockAddressed = false

	d.cs.Deassert()
	if c, ok := d.bus.(ClockSetter); ok {
		if err := c.SetClock(d.initClock); err != nil {
			return fmt.Errorf("mmc: init clock: %w", err)
		}
	}

	// Give the supply 10ms to ramp before the first clock edge.
	time.Sleep(10 * time.Millisecond)

	if err := d.negotiate(); err != nil {
		return err
	}
	d.ready = true

	if c, ok := d.bus.(ClockSetter); ok {
		if err := c.SetClock(d.fullClock); err != nil {
			return fmt.Errorf("mmc: full clock: %w", err)
		}
	}

	d.debugf("card ready: type=%s blockAddressed=%v", d.cardType, d.blockAddressed)
	return nil
}

// negotiate runs the initialization handshake with chip-select held.
// Chip-select is released on every exit path.
func (d *Device) negotiate() error {
	d.cs.Assert()
	defer d.cs.Deassert()

	// At least 74 clock cycles with the data line idle to reach a defined
	// bus state (6.4.1). One byte-time is 8 clocks; send 75 to be safe.
	for i := 0; i < 75; i++ {
		if _, err := d.clockByte(); err != nil {
			return fmt.Errorf("mmc: power-up clocks: %w", err)
		}
	}

	status, err := d.sendCommand(cmd0, 0)
	if err != nil {
		return err
	}
	if status != r1Idle {
		// No card inserted or a card that won't reset.
		if err := statusError(status); err != nil {
			return fmt.Errorf("mmc: go idle: %w", err)
		}
		return fmt.Errorf("mmc: go idle: unexpected status %#02x: %w", status, ErrCard)
	}

	// 4.3.13: ask for the 2.7-3.6V range with the 0xAA check pattern.
	// Cards predating Physical Spec Version 2.00 answer ILLEGAL_COMMAND.
	status, err = d.sendCommand(cmd8, checkPattern)
	if err != nil {
		return err
	}
	var echo [4]byte
	if err := d.readPayload(echo[:]); err != nil {
		return err
	}

	if status&r1IllegalCommand != 0 {
		return d.negotiateLegacy()
	}
	return d.negotiateV2(echo)
}

// negotiateLegacy brings up a Ver1.x SD card (or MMC). These cards don't
// understand CMD8 or the HCS bit; they leave idle via plain SEND_OP_COND and
// are always byte addressed.
func (d *Device) negotiateLegacy() error {
	d.cardType = CardSD1
	d.debugf("CMD8 illegal, negotiating as Ver1.x card")

	status, err := d.pollOpCond(cmd1, 0)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: send op cond: %w", statusError(status))
	}

	// Voltage validation is best-effort here: a card that doesn't
	// implement READ_OCR is tolerated.
	status, err = d.sendCommand(cmd58, 0)
	if err != nil {
		return err
	}
	if status&r1IllegalCommand == 0 {
		var ocr [4]byte
		if err := d.readPayload(ocr[:]); err != nil {
			return err
		}
		// OCR bits 20/21 cover the 3.2-3.4V window we drive the bus at.
		if ocr[1]&0x30 == 0 {
			return fmt.Errorf("mmc: OCR %x: %w", ocr, ErrVoltage)
		}
	}

	// Ver1.x cards may power up with a different block length.
	status, err = d.sendCommand(cmd16, BlockLen)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: set block length: %w", statusError(status))
	}
	return nil
}

// negotiateV2 brings up a Ver2.00+ card: validate the CMD8 echo, poll ACMD41
// with host high-capacity support, then read the OCR to learn whether the
// card is block addressed.
func (d *Device) negotiateV2(echo [4]byte) error {
	d.cardType = CardSD2

	if echo[3] != 0xAA {
		return fmt.Errorf("mmc: check pattern echoed as %#02x: %w", echo[3], ErrResponse)
	}
	if echo[2] != 0x01 {
		return fmt.Errorf("mmc: voltage acceptance %#02x: %w", echo[2], ErrVoltage)
	}

	status, err := d.pollOpCond(acmd41, hcs)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: send op cond: %w", statusError(status))
	}

	// The card is ready; check the capacity class (CCS) bit.
	status, err = d.sendCommand(cmd58, 0)
	if err != nil {
		return err
	}
	var ocr [4]byte
	if err := d.readPayload(ocr[:]); err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: read OCR: %w", statusError(status))
	}
	if ocr[0]&ocrCCS != 0 {
		d.cardType = CardSDHC
		d.blockAddressed = true
	}
	return nil
}

// pollOpCond repeatedly sends an operating-condition command until the card
// leaves the idle state or the deadline elapses, sleeping between attempts.
// The last observed status is returned either way; the caller classifies it.
func (d *Device) pollOpCond(cmd byte, arg uint32) (byte, error) {
	deadline := time.Now().Add(d.opCondTimeout)
	for {
		status, err := d.sendCommand(cmd, arg)
		if err != nil {
			return status, err
		}
		if status&r1Idle == 0 || time.Now().After(deadline) {
			return status, nil
		}
		time.Sleep(d.opCondInterval)
	}
}

func (d *Device) debugf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Debugf(format, args...)
	}
}
