package mmc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prasannatsm/mmcspi/sdsim"
)

// fillPattern gives every card byte a position-dependent value so copy
// mistakes show up as content mismatches.
func fillPattern(p []byte) {
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
}

func newPatternCard(t *testing.T, highCapacity bool) (*Device, *sdsim.Card) {
	t.Helper()
	card := sdsim.New(testCardSize)
	card.HighCapacity = highCapacity
	fillPattern(card.Bytes())
	d := newReadyDevice(t, card)
	return d, card
}

func TestReadSingleBlockAligned(t *testing.T) {
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	buf := make([]byte, BlockLen)
	require.NoError(t, d.Read(3*BlockLen, buf))
	assert.Equal(t, model[3*BlockLen:4*BlockLen], buf)

	reads := findCommands(card, 17)
	require.Len(t, reads, 1)
	assert.Equal(t, uint32(3), reads[0].Arg, "block-addressed argument")
	assert.Empty(t, findCommands(card, 18))
	assert.False(t, card.Selected())
}

func TestReadUnalignedSpansBlocks(t *testing.T) {
	// 600 bytes from address 100 covers the tail of block 0 and the head
	// of block 1 and must go out as one multi-block read.
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	buf := make([]byte, 600)
	require.NoError(t, d.Read(100, buf))
	assert.Equal(t, model[100:700], buf)

	require.Len(t, findCommands(card, 18), 1)
	assert.Empty(t, findCommands(card, 17))
	assert.Len(t, findCommands(card, 12), 1, "multi-block read must be stopped")
}

func TestReadArbitraryRanges(t *testing.T) {
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	tests := []struct {
		addr uint32
		n    int
	}{
		{0, 1},
		{511, 2},
		{512, 512},
		{513, 511},
		{100, 3 * BlockLen},
		{BlockLen - 1, 2*BlockLen + 2},
		{7*BlockLen + 17, 5},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.n)
		require.NoError(t, d.Read(tt.addr, buf), "read %d@%d", tt.n, tt.addr)
		assert.Equal(t, model[tt.addr:int(tt.addr)+tt.n], buf, "read %d@%d", tt.n, tt.addr)
	}
}

func TestReadByteAddressedArgument(t *testing.T) {
	d, card := newPatternCard(t, false)
	require.False(t, d.BlockAddressed())

	buf := make([]byte, BlockLen)
	require.NoError(t, d.Read(3*BlockLen, buf))

	reads := findCommands(card, 17)
	require.Len(t, reads, 1)
	assert.Equal(t, uint32(3*BlockLen), reads[0].Arg, "standard-capacity cards take byte offsets")
}

func TestWriteAligned(t *testing.T) {
	d, card := newPatternCard(t, true)

	data := bytes.Repeat([]byte{0xA5}, 2*BlockLen)
	require.NoError(t, d.Write(4*BlockLen, data))
	assert.Equal(t, data, card.Bytes()[4*BlockLen:6*BlockLen])

	writes := findCommands(card, 25)
	require.Len(t, writes, 1)
	assert.Equal(t, uint32(4), writes[0].Arg)
	assert.Empty(t, findCommands(card, 17), "aligned writes need no pre-read")
	assert.False(t, card.Selected())
}

func TestWriteUnalignedPreservesBoundaries(t *testing.T) {
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	const addr = 2*BlockLen + 100
	data := bytes.Repeat([]byte{0x5A}, 600)
	require.NoError(t, d.Write(addr, data))

	copy(model[addr:], data)
	assert.Equal(t, model[:6*BlockLen], card.Bytes()[:6*BlockLen],
		"bytes outside the written range must survive in both boundary blocks")

	// Both partial boundary blocks were staged with pre-reads.
	assert.Len(t, findCommands(card, 17), 2)
}

func TestWriteShortUnaligned(t *testing.T) {
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	require.NoError(t, d.Write(1000, []byte{1, 2, 3}))
	copy(model[1000:], []byte{1, 2, 3})
	assert.Equal(t, model[:2*BlockLen], card.Bytes()[:2*BlockLen])

	assert.Len(t, findCommands(card, 17), 1, "a single partial block needs one pre-read")
	assert.Len(t, findCommands(card, 24), 1)
}

func TestWriteAlignedStartPartialEnd(t *testing.T) {
	d, card := newPatternCard(t, true)
	model := append([]byte(nil), card.Bytes()...)

	data := bytes.Repeat([]byte{0x77}, BlockLen+100)
	require.NoError(t, d.Write(0, data))
	copy(model, data)
	assert.Equal(t, model[:3*BlockLen], card.Bytes()[:3*BlockLen])
}

func TestWriteIdempotent(t *testing.T) {
	d, card := newPatternCard(t, true)

	data := bytes.Repeat([]byte{0xC3}, 700)
	require.NoError(t, d.Write(333, data))
	first := append([]byte(nil), card.Bytes()[:3*BlockLen]...)

	require.NoError(t, d.Write(333, data))
	assert.Equal(t, first, card.Bytes()[:3*BlockLen])

	back := make([]byte, 700)
	require.NoError(t, d.Read(333, back))
	assert.Equal(t, data, back)
}

func TestWriteRejected(t *testing.T) {
	d, card := newPatternCard(t, true)

	card.RejectWrite = 0x0B
	err := d.Write(0, bytes.Repeat([]byte{1}, BlockLen))
	assert.ErrorIs(t, err, ErrCRC)
	assert.False(t, card.Selected())

	card.RejectWrite = 0x0D
	err = d.Write(0, bytes.Repeat([]byte{1}, BlockLen))
	assert.ErrorIs(t, err, ErrWrite)
}

func TestWriteByteAddressedArgument(t *testing.T) {
	d, card := newPatternCard(t, false)

	data := bytes.Repeat([]byte{9}, BlockLen)
	require.NoError(t, d.Write(3*BlockLen, data))

	writes := findCommands(card, 24)
	require.Len(t, writes, 1)
	assert.Equal(t, uint32(3*BlockLen), writes[0].Arg)
	assert.Equal(t, data, card.Bytes()[3*BlockLen:4*BlockLen])
}

func TestReadWithTokenLag(t *testing.T) {
	card := sdsim.New(testCardSize)
	card.HighCapacity = true
	card.TokenLag = 3
	fillPattern(card.Bytes())
	d := newReadyDevice(t, card)

	buf := make([]byte, 2*BlockLen)
	require.NoError(t, d.Read(0, buf))
	assert.Equal(t, card.Bytes()[:2*BlockLen], buf)
}

func TestBlocksAndSize(t *testing.T) {
	d, _ := newPatternCard(t, true)
	blocks, err := d.Blocks()
	require.NoError(t, err)
	assert.Equal(t, uint32(testCardSize/BlockLen), blocks)

	size, err := d.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(testCardSize), size)

	// Standard-capacity cards encode capacity in the version 1.0 layout.
	d, _ = newPatternCard(t, false)
	blocks, err = d.Blocks()
	require.NoError(t, err)
	assert.Equal(t, uint32(testCardSize/BlockLen), blocks)
}

func TestCID(t *testing.T) {
	d, _ := newPatternCard(t, true)
	cid, err := d.CID()
	require.NoError(t, err)
	assert.NotEqual(t, [16]byte{}, cid)
}

func TestReadAtWriteAt(t *testing.T) {
	d, _ := newPatternCard(t, true)

	data := []byte("hello, card")
	n, err := d.WriteAt(data, 12345)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	back := make([]byte, len(data))
	n, err = d.ReadAt(back, 12345)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, back)

	_, err = d.ReadAt(back, -1)
	assert.ErrorIs(t, err, ErrParam)
}

func TestFileBackedCard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	seed := make([]byte, 1<<20)
	fillPattern(seed)
	require.NoError(t, os.WriteFile(path, seed, 0o644))

	card, err := sdsim.Open(path)
	require.NoError(t, err)
	defer card.Close()
	card.HighCapacity = true

	d := newReadyDevice(t, card)

	buf := make([]byte, 600)
	require.NoError(t, d.Read(100, buf))
	assert.Equal(t, seed[100:700], buf)

	require.NoError(t, d.Write(100, bytes.Repeat([]byte{0xEE}, 600)))
	require.NoError(t, d.Read(0, buf[:100]))
	assert.Equal(t, seed[:100], buf[:100], "head of block 0 preserved")
}
