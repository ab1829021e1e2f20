package mmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status byte
		want   error
	}{
		{0x00, nil},
		{r1Idle, ErrTimeout},
		{r1CRCError, ErrCRC},
		{r1ParamError, ErrParam},
		{r1EraseReset, ErrCard},
		{r1IllegalCommand, ErrCard},
		{r1EraseError, ErrCard},
		{r1AddrError, ErrCard},
		// Idle wins when several bits are set: the card never left the
		// idle state, everything else is noise.
		{0xFF, ErrTimeout},
		{r1IllegalCommand | r1AddrError, ErrCard},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, statusError(tt.status), tt.want, "status %#02x", tt.status)
	}
}

func TestDataResponseError(t *testing.T) {
	tests := []struct {
		token byte
		want  error
	}{
		{0x05, nil},
		{0xE5, nil}, // high bits are don't-care
		{0x0B, ErrCRC},
		{0xEB, ErrCRC},
		{0x0D, ErrWrite},
		{0x00, ErrWrite},
		{0x1F, ErrWrite},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, dataResponseError(tt.token), tt.want, "token %#02x", tt.token)
	}
}
