package mmc

import "fmt"

// SD/MMC commands used by the driver. Section references are to the SD
// Physical Layer Simplified Specification.
const (
	cmd0  = 0  // GO_IDLE_STATE
	cmd1  = 1  // SEND_OP_COND (MMC / Ver1.x cards)
	cmd8  = 8  // SEND_IF_COND
	cmd9  = 9  // SEND_CSD
	cmd10 = 10 // SEND_CID
	cmd12 = 12 // STOP_TRANSMISSION
	cmd16 = 16 // SET_BLOCKLEN
	cmd17 = 17 // READ_SINGLE_BLOCK
	cmd18 = 18 // READ_MULTIPLE_BLOCK
	cmd24 = 24 // WRITE_BLOCK
	cmd25 = 25 // WRITE_MULTIPLE_BLOCK
	cmd55 = 55 // APP_CMD
	cmd58 = 58 // READ_OCR

	// acmdFlag marks commands that must be preceded by CMD55.
	acmdFlag = 0x80
	acmd41   = acmdFlag | 41 // SEND_OP_COND (SDC)
)

// R1 response status bits (7.3.2.1).
const (
	r1Idle           = 0x01
	r1EraseReset     = 0x02
	r1IllegalCommand = 0x04
	r1CRCError       = 0x08
	r1EraseError     = 0x10
	r1AddrError      = 0x20
	r1ParamError     = 0x40
)

// Data tokens (7.3.3).
const (
	tokenData      = 0xFE // single-block read/write, multi-block read
	tokenMultiData = 0xFC // multi-block write
	tokenStopTran  = 0xFD // terminates a multi-block write

	// Data response token, low 5 bits (7.3.3.1).
	drAccepted = 0x05 // 0b00101
	drCRCError = 0x0B // 0b01011
	drWriteErr = 0x0D // 0b01101
)

const (
	// hcs asks for SDHC/SDXC support in ACMD41 (4.2.3).
	hcs = uint32(1) << 30

	// ocrCCS is the card capacity status bit in the top OCR byte (5.1).
	ocrCCS = 1 << 6

	// checkPattern is the CMD8 argument: 2.7-3.6V window tag plus the
	// 0xAA echo trailer (4.3.13).
	checkPattern = 0x1AA

	// ncr is the maximum number of byte-times to wait for an R1 response.
	ncr = 255
)

// xfer exchanges one byte on the bus.
func (d *Device) xfer(out byte) (byte, error) {
	return d.bus.Transfer(out)
}

// clockByte clocks one idle byte-time (MOSI held high) and returns whatever
// the card drove on MISO.
func (d *Device) clockByte() (byte, error) {
	return d.bus.Transfer(0xFF)
}

// sendCommand transmits a command and polls for its R1 response.
//
// Commands carrying the acmdFlag marker become two sequential frames: the
// CMD55 prefix, then the target. A prefix that never answers is surfaced
// instead of masking the target command. The returned status is the last
// byte observed on the bus: if its high bit is still set the card never
// responded within ncr byte-times, and command-level callers treat that as
// a timeout.
//
// The caller owns chip-select; sendCommand only drives the data lines.
func (d *Device) sendCommand(cmd byte, arg uint32) (byte, error) {
	if cmd&acmdFlag != 0 {
		status, err := d.sendFrame(cmd55, 0)
		if err != nil {
			return status, err
		}
		if status&0x80 != 0 {
			// No answer to the prefix; the target command would be
			// misinterpreted, so don't send it.
			return status, nil
		}
	}
	return d.sendFrame(cmd&^acmdFlag, arg)
}

// sendFrame transmits one 6-byte command frame and polls for the R1 byte.
func (d *Device) sendFrame(cmd byte, arg uint32) (byte, error) {
	// 4.7.2 Command Format: start + transmission bit, index, argument
	// big-endian, CRC7 + end bit.
	frame := [6]byte{
		0x40 | cmd,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		commandCRC(cmd),
	}
	for _, b := range frame {
		if _, err := d.xfer(b); err != nil {
			return 0xFF, fmt.Errorf("mmc: command %d: %w", cmd, err)
		}
	}

	// Poll for a response byte with the start bit cleared.
	status := byte(0xFF)
	for n := 0; n < ncr; n++ {
		var err error
		status, err = d.clockByte()
		if err != nil {
			return 0xFF, fmt.Errorf("mmc: command %d: %w", cmd, err)
		}
		if status&0x80 == 0 {
			break
		}
	}
	return status, nil
}

// commandCRC returns the CRC byte for a command frame. The card powers up
// with CRC checking off, but CMD0 and CMD8 always require a valid CRC
// (7.2.2); everything else gets a placeholder with the end bit set.
func commandCRC(cmd byte) byte {
	switch cmd {
	case cmd0:
		return 0x95
	case cmd8:
		return 0x87
	default:
		return 0x01
	}
}

// readPayload collects the trailing payload bytes of an R3/R7 response.
func (d *Device) readPayload(p []byte) error {
	for i := range p {
		b, err := d.clockByte()
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}
