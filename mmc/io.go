package mmc

import (
	"fmt"
	"math"
	"time"
)

// blockArg converts a block index into the address argument the card
// expects: the index itself on block-addressed (SDHC/SDXC) cards, the byte
// offset of the block on standard-capacity cards.
func (d *Device) blockArg(block uint32) uint32 {
	if d.blockAddressed {
		return block
	}
	return block * BlockLen
}

// Read fills p with the card contents starting at the given byte address.
// The address doesn't need to be block aligned: the driver reads the
// covering block span and copies out exactly len(p) bytes. Either the whole
// range is transferred or an error is returned; on error the contents of p
// are undefined.
func (d *Device) Read(addr uint32, p []byte) error {
	if !d.ready {
		return ErrNoDevice
	}
	if len(p) == 0 {
		return nil
	}

	offset := int(addr % BlockLen)
	blocks := (len(p) + offset + BlockLen - 1) / BlockLen
	block := addr / BlockLen

	d.cs.Assert()
	defer d.cs.Deassert()

	cmd := byte(cmd17)
	if blocks > 1 {
		cmd = cmd18
	}
	status, err := d.sendCommand(cmd, d.blockArg(block))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: read command status %#02x: %w", status, ErrCard)
	}

	out := 0
	remaining := len(p)
	for i := 0; i < blocks; i++ {
		if err := d.readBlock(d.buf[:]); err != nil {
			return err
		}
		amount := min(BlockLen-offset, remaining)
		copy(p[out:], d.buf[offset:offset+amount])
		offset = 0
		remaining -= amount
		out += amount
	}

	if cmd == cmd18 {
		// Stop the open-ended transfer. The result is deliberately
		// unchecked: the data is already in hand and cards answer CMD12
		// with a stuff byte that defeats status polling anyway.
		if _, err := d.sendCommand(cmd12, 0); err != nil {
			return err
		}
	}
	return nil
}

// Write stores p at the given byte address. Unaligned ranges are handled by
// pre-reading the partial boundary blocks and merging, so bytes outside
// [addr, addr+len(p)) are preserved. Chip-select stays asserted across the
// pre-reads and the write itself.
func (d *Device) Write(addr uint32, p []byte) error {
	if !d.ready {
		return ErrNoDevice
	}
	if len(p) == 0 {
		return nil
	}

	offset := int(addr % BlockLen)
	blocks := (len(p) + offset + BlockLen - 1) / BlockLen
	block := addr / BlockLen
	endOffset := (offset + len(p)) % BlockLen

	d.cs.Assert()
	defer d.cs.Deassert()

	// Stage the partial boundary blocks before any write command is
	// issued. A single partial block only needs the one pre-read.
	if offset != 0 || (blocks == 1 && endOffset != 0) {
		if err := d.preRead(block, d.buf[:]); err != nil {
			return err
		}
	}
	if blocks > 1 && endOffset != 0 {
		if err := d.preRead(block+uint32(blocks)-1, d.tail[:]); err != nil {
			return err
		}
	}

	cmd := byte(cmd24)
	token := byte(tokenData)
	if blocks > 1 {
		cmd = cmd25
		token = tokenMultiData
	}
	status, err := d.sendCommand(cmd, d.blockArg(block))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: write command status %#02x: %w", status, ErrCard)
	}

	// One byte gap (Nwr) before the first data token.
	if _, err := d.clockByte(); err != nil {
		return err
	}

	in := 0
	remaining := len(p)
	resp := byte(drAccepted)
	for i := 0; i < blocks; i++ {
		if i > 0 {
			// The card holds the line low while programming the
			// previous block.
			if err := d.waitNotBusy(); err != nil {
				return err
			}
		}
		if i == blocks-1 && blocks > 1 && endOffset != 0 {
			copy(d.buf[:], d.tail[:])
		}
		amount := min(BlockLen-offset, remaining)
		copy(d.buf[offset:], p[in:in+amount])

		if _, err := d.xfer(token); err != nil {
			return err
		}
		for n := 0; n < BlockLen; n++ {
			if _, err := d.xfer(d.buf[n]); err != nil {
				return err
			}
		}
		// CRC filler; not checked by the card in SPI mode.
		if _, err := d.xfer(0xFF); err != nil {
			return err
		}
		if _, err := d.xfer(0xFF); err != nil {
			return err
		}

		resp, err = d.clockByte()
		if err != nil {
			return err
		}
		if resp&0x1F != drAccepted {
			break
		}
		offset = 0
		remaining -= amount
		in += amount
	}

	if cmd == cmd25 {
		if err := d.waitNotBusy(); err != nil {
			return err
		}
		if _, err := d.xfer(tokenStopTran); err != nil {
			return err
		}
		if _, err := d.clockByte(); err != nil {
			return err
		}
	}

	werr := dataResponseError(resp)

	// Let the card finish programming. Exceeding the deadline is not
	// escalated; the classified data-response status stands either way.
	if err := d.waitNotBusy(); err != nil {
		return err
	}
	return werr
}

// preRead fetches one whole block into dst. Used by the write path to stage
// partial boundary blocks; chip-select is already held by the caller.
func (d *Device) preRead(block uint32, dst []byte) error {
	status, err := d.sendCommand(cmd17, d.blockArg(block))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: pre-read status %#02x: %w", status, ErrCard)
	}
	return d.readBlock(dst)
}

// readBlock waits for the data start token, reads len(dst) data bytes and
// discards the trailing CRC-16.
func (d *Device) readBlock(dst []byte) error {
	if err := d.waitToken(); err != nil {
		return err
	}
	for n := range dst {
		b, err := d.clockByte()
		if err != nil {
			return err
		}
		dst[n] = b
	}
	// The CRC is consumed but not verified; CRC checking is off in SPI
	// mode unless enabled with CMD59, which this driver doesn't do.
	if _, err := d.clockByte(); err != nil {
		return err
	}
	if _, err := d.clockByte(); err != nil {
		return err
	}
	return nil
}

// waitToken polls for the 0xFE data start token for up to the token timeout
// (7.3.3: up to 200ms), sleeping between polls.
func (d *Device) waitToken() error {
	deadline := time.Now().Add(d.tokenTimeout)
	for {
		b, err := d.clockByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			if b == tokenData {
				return nil
			}
			return fmt.Errorf("mmc: unexpected token %#02x: %w", b, ErrCard)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mmc: no data token: %w", ErrCard)
		}
		time.Sleep(d.tokenInterval)
	}
}

// waitNotBusy polls until the card releases the data line (any non-zero
// byte) or the busy timeout elapses. The card signals flash programming by
// holding the line low; SPI mode emulates the busy line with polled reads.
func (d *Device) waitNotBusy() error {
	deadline := time.Now().Add(d.busyTimeout)
	for {
		b, err := d.clockByte()
		if err != nil {
			return err
		}
		if b != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(d.busyInterval)
	}
}

// readRegister fetches a fixed-size card register (CSD, CID) using the
// single-block data token protocol.
func (d *Device) readRegister(cmd byte, dst []byte) error {
	if !d.ready {
		return ErrNoDevice
	}
	d.cs.Assert()
	defer d.cs.Deassert()

	status, err := d.sendCommand(cmd, 0)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("mmc: register command status %#02x: %w", status, ErrCard)
	}
	return d.readBlock(dst)
}

// CSD returns the raw card-specific data register.
func (d *Device) CSD() ([16]byte, error) {
	var csd [16]byte
	err := d.readRegister(cmd9, csd[:])
	return csd, err
}

// CID returns the raw card identification register.
func (d *Device) CID() ([16]byte, error) {
	var cid [16]byte
	err := d.readRegister(cmd10, cid[:])
	return cid, err
}

// Blocks returns the card capacity in 512-byte blocks, decoded from the CSD
// (5.3.2 for version 1.0, 5.3.3 for version 2.0).
func (d *Device) Blocks() (uint32, error) {
	csd, err := d.CSD()
	if err != nil {
		return 0, err
	}
	switch csd[0] >> 6 {
	case 0: // CSD version 1.0
		readBlLen := uint(csd[5] & 0x0F)
		cSize := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8])>>6
		mult := uint(csd[9]&0x03)<<1 | uint(csd[10])>>7
		blockNr := (cSize + 1) << (mult + 2)
		return blockNr << readBlLen >> 9, nil
	case 1: // CSD version 2.0
		cSize := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		return (cSize + 1) << 10, nil
	default:
		return 0, fmt.Errorf("mmc: CSD structure version %d: %w", csd[0]>>6, ErrCard)
	}
}

// Size returns the card capacity in bytes.
func (d *Device) Size() (uint64, error) {
	blocks, err := d.Blocks()
	return uint64(blocks) * BlockLen, err
}

// ReadAt implements io.ReaderAt over the card contents.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, fmt.Errorf("mmc: offset %d out of range: %w", off, ErrParam)
	}
	if err := d.Read(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over the card contents.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, fmt.Errorf("mmc: offset %d out of range: %w", off, ErrParam)
	}
	if err := d.Write(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
