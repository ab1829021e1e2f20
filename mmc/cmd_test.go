package mmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptBus records every byte the driver transmits and plays back a fixed
// response script, one byte per exchange, idling at 0xFF once exhausted.
type scriptBus struct {
	sent []byte
	resp []byte
}

func (b *scriptBus) Transfer(out byte) (byte, error) {
	b.sent = append(b.sent, out)
	if len(b.resp) == 0 {
		return 0xFF, nil
	}
	r := b.resp[0]
	b.resp = b.resp[1:]
	return r, nil
}

type nopSelect struct{}

func (nopSelect) Assert()   {}
func (nopSelect) Deassert() {}

// gap returns n idle response bytes, covering the exchanges that clock a
// command frame out.
func gap(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}

func TestSendCommandFrameLayout(t *testing.T) {
	bus := &scriptBus{resp: append(gap(7), 0x00)}
	d := New(bus, nopSelect{})

	status, err := d.sendCommand(cmd17, 0x01020304)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), status)

	require.GreaterOrEqual(t, len(bus.sent), 6)
	assert.Equal(t, []byte{0x40 | 17, 0x01, 0x02, 0x03, 0x04, 0x01}, bus.sent[:6])
}

func TestSendCommandCRCOverrides(t *testing.T) {
	// CMD0 and CMD8 need a valid CRC even with CRC checking off.
	bus := &scriptBus{resp: append(gap(6), 0x01)}
	d := New(bus, nopSelect{})
	_, err := d.sendCommand(cmd0, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x95), bus.sent[5])

	bus = &scriptBus{resp: append(gap(6), 0x01)}
	d = New(bus, nopSelect{})
	_, err = d.sendCommand(cmd8, checkPattern)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40 | 8, 0x00, 0x00, 0x01, 0xAA, 0x87}, bus.sent[:6])
}

func TestSendCommandAppPrefix(t *testing.T) {
	// CMD55 answered idle, then the target command answered ready.
	resp := append(gap(6), 0x01) // CMD55 frame + R1
	resp = append(resp, gap(6)...)
	resp = append(resp, 0x00) // ACMD41 frame + R1
	bus := &scriptBus{resp: resp}
	d := New(bus, nopSelect{})

	status, err := d.sendCommand(acmd41, hcs)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), status)

	require.Len(t, bus.sent, 14)
	assert.Equal(t, []byte{0x40 | 55, 0, 0, 0, 0, 0x01}, bus.sent[:6], "prefix frame")
	assert.Equal(t, []byte{0x40 | 41, 0x40, 0, 0, 0, 0x01}, bus.sent[7:13], "target frame")
}

func TestSendCommandResponseTimeout(t *testing.T) {
	// Nothing but idle on the bus: the poll gives up after 255 byte-times
	// and hands back the last byte with the high bit still set.
	bus := &scriptBus{}
	d := New(bus, nopSelect{})

	status, err := d.sendCommand(cmd17, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), status)
	assert.Len(t, bus.sent, 6+ncr)
}

func TestSendCommandPrefixTimeoutSkipsTarget(t *testing.T) {
	// A dead prefix must not be followed by the target frame, which the
	// card would misread as a plain CMD41.
	bus := &scriptBus{}
	d := New(bus, nopSelect{})

	status, err := d.sendCommand(acmd41, hcs)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), status)
	assert.Len(t, bus.sent, 6+ncr, "only the CMD55 frame and its polling")
}
