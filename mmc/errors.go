package mmc

import "errors"

// Error taxonomy for card responses. Callers match with errors.Is; every
// protocol failure surfaced by this package wraps one of these.
var (
	// ErrTimeout means the card stayed idle or a command never completed
	// in time.
	ErrTimeout = errors.New("mmc: timeout")

	// ErrCRC is reported by the card's R1 status or by a write
	// data-response token.
	ErrCRC = errors.New("mmc: CRC error")

	// ErrParam means the card rejected a command argument.
	ErrParam = errors.New("mmc: parameter error")

	// ErrVoltage means the card does not accept our voltage range.
	ErrVoltage = errors.New("mmc: voltage range not supported")

	// ErrResponse means the CMD8 echo pattern came back wrong.
	ErrResponse = errors.New("mmc: interface condition echo mismatch")

	// ErrWrite means the card rejected a data block during a write.
	ErrWrite = errors.New("mmc: write rejected")

	// ErrCard is the catch-all for unclassified or multiply-set status
	// flags, including no-card-present and illegal-command conditions.
	ErrCard = errors.New("mmc: card error")

	// ErrNoDevice means the device was never opened or never passed Init.
	ErrNoDevice = errors.New("mmc: device not initialized")
)

// statusError maps an R1 status byte to the error taxonomy. A zero status is
// success. The erase-reset, illegal-command, erase-error and address-error
// bits deliberately collapse into ErrCard: the driver never issues erase
// commands, and illegal-command is handled where it is meaningful (CMD8).
func statusError(status byte) error {
	switch {
	case status == 0:
		return nil
	case status&r1Idle != 0:
		return ErrTimeout
	case status&r1CRCError != 0:
		return ErrCRC
	case status&r1ParamError != 0:
		return ErrParam
	default:
		return ErrCard
	}
}

// dataResponseError classifies the low 5 bits of a write data-response token.
func dataResponseError(token byte) error {
	switch token & 0x1F {
	case drAccepted:
		return nil
	case drCRCError:
		return ErrCRC
	default:
		// 0b01101 (write error) and anything else
		return ErrWrite
	}
}
