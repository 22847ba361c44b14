package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"
)

// Line prefixes and keywords of the gate controller protocol.
const (
	PrefixData   = "DATA:"
	PrefixCharge = "CHARGE:"
	LineDone     = "DONE"

	checksumSep = "*"
)

// ErrProtocol marks a malformed inbound line.
var ErrProtocol = errors.New("protocol error")

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// DataEvent is a decoded presence event.
type DataEvent struct {
	Plate string
	Cash  int64
}

// Confirmation is the controller's reply to a CHARGE directive.
// Anything other than DONE is carried as Text.
type Confirmation struct {
	Done bool
	Text string
}

// Codec converts between protocol lines and typed values. Lines are handled
// without their trailing newline; framing belongs to the transport.
type Codec struct {
	checksum bool
}

// NewCodec returns a codec. With checksum enabled every line carries a
// "*XXXX" CRC-16/MODBUS trailer over the line body.
func NewCodec(checksum bool) *Codec {
	return &Codec{checksum: checksum}
}

// IsData reports whether the line is a presence event, valid or not.
func (c *Codec) IsData(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), PrefixData)
}

// DecodeData parses "DATA:<plate>,<cash>".
func (c *Codec) DecodeData(line string) (DataEvent, error) {
	body, err := c.unwrap(line)
	if err != nil {
		return DataEvent{}, err
	}
	if !strings.HasPrefix(body, PrefixData) {
		return DataEvent{}, fmt.Errorf("%w: expected %s line, got %q", ErrProtocol, PrefixData, body)
	}

	fields := strings.Split(body[len(PrefixData):], ",")
	if len(fields) != 2 {
		return DataEvent{}, fmt.Errorf("%w: expected 2 fields in %q, got %d", ErrProtocol, body, len(fields))
	}

	plate := strings.TrimSpace(fields[0])
	if !validPlate(plate) {
		return DataEvent{}, fmt.Errorf("%w: invalid plate %q", ErrProtocol, plate)
	}

	cash, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return DataEvent{}, fmt.Errorf("%w: cash %q: %v", ErrProtocol, fields[1], err)
	}
	if cash < 0 {
		return DataEvent{}, fmt.Errorf("%w: negative cash %d", ErrProtocol, cash)
	}

	return DataEvent{Plate: plate, Cash: cash}, nil
}

// EncodeCharge builds "CHARGE:<amount>".
func (c *Codec) EncodeCharge(amount int64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("protocol: negative charge %d", amount)
	}
	return c.wrap(PrefixCharge + strconv.FormatInt(amount, 10)), nil
}

// DecodeConfirmation classifies the reply to CHARGE. A line failing the
// checksum is reported as an error; callers treat it like any non-DONE reply.
func (c *Codec) DecodeConfirmation(line string) (Confirmation, error) {
	body, err := c.unwrap(line)
	if err != nil {
		return Confirmation{Text: strings.TrimSpace(line)}, err
	}
	if body == LineDone {
		return Confirmation{Done: true, Text: body}, nil
	}
	return Confirmation{Text: body}, nil
}

// EncodeLine is used by peers and tests to build inbound lines with the codec's framing.
func (c *Codec) EncodeLine(body string) string {
	return c.wrap(body)
}

func (c *Codec) wrap(body string) string {
	if !c.checksum {
		return body
	}
	return fmt.Sprintf("%s%s%04X", body, checksumSep, Checksum(body))
}

func (c *Codec) unwrap(line string) (string, error) {
	line = strings.TrimSpace(line)
	if !c.checksum {
		return line, nil
	}

	idx := strings.LastIndex(line, checksumSep)
	if idx < 0 {
		return "", fmt.Errorf("%w: missing checksum in %q", ErrProtocol, line)
	}
	body, sum := line[:idx], line[idx+1:]
	want, err := strconv.ParseUint(sum, 16, 16)
	if err != nil || len(sum) != 4 {
		return "", fmt.Errorf("%w: malformed checksum %q", ErrProtocol, sum)
	}
	if got := Checksum(body); got != uint16(want) {
		return "", fmt.Errorf("%w: checksum mismatch: got %04X want %04X", ErrProtocol, got, want)
	}
	return body, nil
}

// Checksum returns the CRC-16/MODBUS of s.
func Checksum(s string) uint16 {
	return crc16.Checksum([]byte(s), crcTable)
}

func validPlate(plate string) bool {
	if plate == "" {
		return false
	}
	for _, r := range plate {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
