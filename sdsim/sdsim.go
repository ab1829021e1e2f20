// Package sdsim simulates the card side of the SD SPI protocol. It
// implements the driver's Transport and SelectLine interfaces, backed by
// memory or by a card-image file, and records every command frame it
// receives so tests can assert on the wire traffic.
//
// The simulation covers the command set the driver speaks: reset and
// interface negotiation (CMD0/CMD8/CMD55/ACMD41/CMD1/CMD58/CMD16), register
// reads (CMD9/CMD10), and single/multi block data transfer
// (CMD17/CMD18/CMD12/CMD24/CMD25) including data tokens, CRC filler, data
// response tokens and busy signalling.
package sdsim

import (
	"encoding/binary"
	"fmt"
	"os"
)

const blockLen = 512

type state int

const (
	stateIdle state = iota
	stateCommand
	stateWriteToken
	stateWriteData
)

// Command is one decoded 6-byte command frame.
type Command struct {
	Cmd byte
	Arg uint32
	CRC byte
	App bool // preceded by CMD55
}

// Card is a simulated SPI SD card.
type Card struct {
	// Behaviour knobs; set before the driver touches the card.
	Legacy        bool // Ver1.x: CMD8 answers ILLEGAL_COMMAND
	HighCapacity  bool // CCS set in OCR; commands carry block indexes
	NeverReady    bool // the idle flag never clears
	ReadyAfter    int  // op-cond polls answered idle before ready (default 1)
	TokenLag      int  // idle bytes inserted before each data token
	BusyBytes     int  // zero bytes after each programmed block (default 1)
	RejectWrite   byte // if nonzero, answer write blocks with this token
	CorruptEcho   bool // mangle the CMD8 check pattern echo
	RejectVoltage bool // mangle the CMD8 voltage acceptance byte

	// Commands records every frame received, in order.
	Commands []Command

	mem  []byte
	file *os.File
	size int64

	selected bool
	inIdle   bool
	appNext  bool
	polls    int

	st       state
	cmdbuf   [6]byte
	cmdpos   int
	wrmulti  bool
	wraddr   int64
	wrbuf    [blockLen + 2]byte
	wrpos    int
	rdmulti  bool
	rdaddr   int64
	queue    []byte
	queuepos int
}

// New returns a memory-backed card of the given size in bytes. The size
// should be a multiple of 512.
func New(size int64) *Card {
	return &Card{mem: make([]byte, size), size: size, inIdle: true}
}

// Open returns a card backed by an image file, such as one produced by the
// img package. The file is kept open until Close.
func Open(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Card{file: f, size: st.Size(), inIdle: true}, nil
}

// Close releases the backing file, if any.
func (c *Card) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Bytes exposes the backing memory of a memory-backed card for test
// assertions.
func (c *Card) Bytes() []byte { return c.mem }

// Selected reports whether chip-select is currently asserted. Tests use it
// to verify the driver releases the line on every exit path.
func (c *Card) Selected() bool { return c.selected }

// Assert implements mmc.SelectLine.
func (c *Card) Assert() { c.selected = true }

// Deassert implements mmc.SelectLine. Releasing chip-select aborts any
// partially received frame or data packet but preserves card state and
// contents.
func (c *Card) Deassert() {
	c.selected = false
	c.st = stateIdle
	c.cmdpos = 0
	c.wrpos = 0
	c.rdmulti = false
	c.queue = nil
	c.queuepos = 0
}

// Transfer implements mmc.Transport. Both directions shift simultaneously,
// so the byte the card drives on an exchange was decided before the host's
// byte arrives: the response to a command frame can start no earlier than
// the exchange after the one delivering the frame's last byte.
func (c *Card) Transfer(out byte) (byte, error) {
	if !c.selected {
		return 0xFF, nil
	}
	in, err := c.pop()
	if err != nil {
		return 0xFF, err
	}
	if err := c.feed(out); err != nil {
		return in, err
	}
	return in, nil
}

func (c *Card) feed(out byte) error {
	switch c.st {
	case stateCommand:
		c.cmdbuf[c.cmdpos] = out
		c.cmdpos++
		if c.cmdpos == 6 {
			c.st = stateIdle
			c.cmdpos = 0
			return c.exec()
		}
	case stateWriteToken:
		switch out {
		case 0xFE, 0xFC:
			c.st = stateWriteData
			c.wrpos = 0
		case 0xFD: // stop tran
			c.st = stateIdle
			c.pushBusy()
		}
	case stateWriteData:
		c.wrbuf[c.wrpos] = out
		c.wrpos++
		if c.wrpos == blockLen+2 { // data plus CRC filler
			return c.commitBlock()
		}
	default:
		// Idle line. A byte with the start/transmission bits begins a
		// command frame.
		if out&0xC0 == 0x40 {
			c.st = stateCommand
			c.cmdbuf[0] = out
			c.cmdpos = 1
		}
	}
	return nil
}

// pop returns the next queued response byte, refilling from the backing
// store during an open-ended multi-block read. An empty queue reads as an
// idle line.
func (c *Card) pop() (byte, error) {
	if c.queuepos >= len(c.queue) {
		c.queue = c.queue[:0]
		c.queuepos = 0
		if c.rdmulti {
			if c.rdaddr+blockLen > c.size {
				// Ran off the card; leave the line idle.
				c.rdmulti = false
			} else {
				if err := c.pushDataPacket(c.rdaddr); err != nil {
					return 0xFF, err
				}
				c.rdaddr += blockLen
			}
		}
	}
	if c.queuepos >= len(c.queue) {
		return 0xFF, nil
	}
	b := c.queue[c.queuepos]
	c.queuepos++
	return b, nil
}

func (c *Card) push(b ...byte) {
	c.queue = append(c.queue, b...)
}

// pushR1 queues a one-byte response after the Ncr gap.
func (c *Card) pushR1(status byte) {
	c.push(0xFF, status)
}

func (c *Card) r1() byte {
	if c.inIdle {
		return 0x01
	}
	return 0x00
}

func (c *Card) exec() error {
	cmd := c.cmdbuf[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.cmdbuf[1:5])
	app := c.appNext
	c.appNext = false
	c.Commands = append(c.Commands, Command{Cmd: cmd, Arg: arg, CRC: c.cmdbuf[5], App: app})

	switch cmd {
	case 0: // GO_IDLE_STATE
		c.inIdle = true
		c.polls = 0
		c.pushR1(0x01)

	case 8: // SEND_IF_COND
		if c.Legacy {
			c.pushR1(c.r1() | 0x04)
			return nil
		}
		voltage := byte(arg >> 8)
		pattern := byte(arg)
		if c.RejectVoltage {
			voltage = 0x00
		}
		if c.CorruptEcho {
			pattern = ^pattern
		}
		c.pushR1(c.r1())
		c.push(0x00, 0x00, voltage, pattern)

	case 55: // APP_CMD
		c.appNext = true
		c.pushR1(c.r1())

	case 41, 1: // SEND_OP_COND (ACMD41 / CMD1)
		if c.NeverReady {
			c.pushR1(0x01)
			return nil
		}
		c.polls++
		if c.polls >= max(c.ReadyAfter, 1) {
			c.inIdle = false
		}
		c.pushR1(c.r1())

	case 58: // READ_OCR
		ocr0 := byte(0x80) // power up complete
		if c.HighCapacity {
			ocr0 |= 0x40
		}
		c.pushR1(c.r1())
		c.push(ocr0, 0xFF, 0x80, 0x00)

	case 16: // SET_BLOCKLEN
		if arg != blockLen {
			c.pushR1(c.r1() | 0x40)
			return nil
		}
		c.pushR1(c.r1())

	case 9: // SEND_CSD
		c.pushR1(0x00)
		return c.pushRegister(c.csd())

	case 10: // SEND_CID
		c.pushR1(0x00)
		return c.pushRegister(c.cid())

	case 17: // READ_SINGLE_BLOCK
		addr, ok := c.byteAddr(arg)
		if !ok {
			c.pushR1(0x40)
			return nil
		}
		c.pushR1(0x00)
		return c.pushDataPacket(addr)

	case 18: // READ_MULTIPLE_BLOCK
		addr, ok := c.byteAddr(arg)
		if !ok {
			c.pushR1(0x40)
			return nil
		}
		c.pushR1(0x00)
		c.rdmulti = true
		c.rdaddr = addr + blockLen
		return c.pushDataPacket(addr)

	case 12: // STOP_TRANSMISSION
		c.rdmulti = false
		c.queue = c.queue[:0]
		c.queuepos = 0
		// Stuff byte, then status.
		c.push(0xFF, 0xFF, 0x00)

	case 24, 25: // WRITE_BLOCK / WRITE_MULTIPLE_BLOCK
		addr, ok := c.byteAddr(arg)
		if !ok {
			c.pushR1(0x40)
			return nil
		}
		c.pushR1(0x00)
		c.wraddr = addr
		c.wrmulti = cmd == 25
		c.st = stateWriteToken

	default:
		c.pushR1(c.r1() | 0x04) // illegal command
	}
	return nil
}

// byteAddr converts a command address argument to a byte offset, honoring
// the card's addressing mode, and bounds-checks one block at it.
func (c *Card) byteAddr(arg uint32) (int64, bool) {
	addr := int64(arg)
	if c.HighCapacity {
		addr *= blockLen
	}
	return addr, addr+blockLen <= c.size
}

func (c *Card) commitBlock() error {
	// The data response token follows the last CRC byte with no gap
	// (7.3.3.1); the exchange ordering in Transfer supplies the one
	// byte-time the shift takes.
	if c.RejectWrite != 0 {
		c.st = stateIdle
		c.push(c.RejectWrite)
		return nil
	}
	if err := c.writeAt(c.wrbuf[:blockLen], c.wraddr); err != nil {
		return err
	}
	c.wraddr += blockLen
	c.push(0xE5) // data accepted, low bits 0b00101
	c.pushBusy()
	if c.wrmulti {
		c.st = stateWriteToken
	} else {
		c.st = stateIdle
	}
	return nil
}

func (c *Card) pushBusy() {
	n := c.BusyBytes
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c.push(0x00)
	}
	c.push(0xFF)
}

func (c *Card) pushDataPacket(addr int64) error {
	buf := make([]byte, blockLen)
	if err := c.readAt(buf, addr); err != nil {
		return err
	}
	for i := 0; i < c.TokenLag; i++ {
		c.push(0xFF)
	}
	c.push(0xFE)
	c.push(buf...)
	c.push(0x00, 0x00) // CRC, unused in SPI mode
	return nil
}

func (c *Card) pushRegister(reg [16]byte) error {
	for i := 0; i < c.TokenLag; i++ {
		c.push(0xFF)
	}
	c.push(0xFE)
	c.push(reg[:]...)
	c.push(0x00, 0x00)
	return nil
}

// csd builds a card-specific data register encoding the backing size:
// version 2.0 layout for high-capacity cards, version 1.0 otherwise.
func (c *Card) csd() [16]byte {
	var csd [16]byte
	blocks := uint32(c.size / blockLen)
	if c.HighCapacity {
		csd[0] = 1 << 6
		cSize := blocks/1024 - 1
		csd[7] = byte(cSize>>16) & 0x3F
		csd[8] = byte(cSize >> 8)
		csd[9] = byte(cSize)
		return csd
	}
	// Version 1.0: READ_BL_LEN=9, C_SIZE_MULT=7, so BLOCKNR = (C_SIZE+1)*512.
	cSize := blocks/512 - 1
	csd[5] = 9
	csd[6] = byte(cSize>>10) & 0x03
	csd[7] = byte(cSize >> 2)
	csd[8] = byte(cSize) << 6
	csd[9] = 0x03
	csd[10] = 0x80
	return csd
}

func (c *Card) cid() [16]byte {
	return [16]byte{0x01, 'S', 'D', 'S', 'I', 'M', ' ', ' ', 0x10, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x77, 0x01}
}

func (c *Card) readAt(p []byte, addr int64) error {
	if c.file != nil {
		_, err := c.file.ReadAt(p, addr)
		return err
	}
	if addr+int64(len(p)) > c.size {
		return fmt.Errorf("sdsim: read beyond card end at %d", addr)
	}
	copy(p, c.mem[addr:])
	return nil
}

func (c *Card) writeAt(p []byte, addr int64) error {
	if c.file != nil {
		_, err := c.file.WriteAt(p, addr)
		return err
	}
	if addr+int64(len(p)) > c.size {
		return fmt.Errorf("sdsim: write beyond card end at %d", addr)
	}
	copy(c.mem[addr:], p)
	return nil
}
