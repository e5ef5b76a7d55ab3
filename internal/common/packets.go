package common

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

type Packet interface {
	Opcode() Opcode
	ToBytes() []byte
}

type ReadRequest struct {
	Filename string
	Mode     string
}

type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

type Error struct {
	Code    ErrorCode
	Message string
}

// NewRequest builds an octet mode read request.
func NewRequest(filename string) (*ReadRequest, error) {
	if filename == "" {
		return nil, errors.New("empty filename")
	}
	if strings.IndexByte(filename, 0) >= 0 {
		return nil, errors.Errorf("filename %q contains a null byte", filename)
	}
	return &ReadRequest{
		Filename: filename,
		Mode:     ModeOctet,
	}, nil
}

func NewData(block uint16, payload []byte) *Data {
	return &Data{
		Block:   block,
		Payload: payload,
	}
}

func NewAck(block uint16) *Ack {
	return &Ack{Block: block}
}

// NewError builds an ERROR packet. An empty message is replaced by the
// standard text for the code.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = code.String()
	}
	return &Error{
		Code:    code,
		Message: strings.ReplaceAll(message, "\x00", ""),
	}
}

func (pck *ReadRequest) Opcode() Opcode { return OpcodeRRQ }
func (pck *Data) Opcode() Opcode        { return OpcodeData }
func (pck *Ack) Opcode() Opcode         { return OpcodeAck }
func (pck *Error) Opcode() Opcode       { return OpcodeError }

func (pck *ReadRequest) ToBytes() []byte {
	arr := make([]byte, 2, 2+len(pck.Filename)+1+len(pck.Mode)+1)
	binary.BigEndian.PutUint16(arr[0:2], uint16(OpcodeRRQ))
	arr = append(arr, pck.Filename...)
	arr = append(arr, 0)
	arr = append(arr, pck.Mode...)
	arr = append(arr, 0)
	return arr
}

func (pck *Data) ToBytes() []byte {
	arr := make([]byte, HeaderSize+len(pck.Payload))
	binary.BigEndian.PutUint16(arr[0:2], uint16(OpcodeData))
	binary.BigEndian.PutUint16(arr[2:4], pck.Block)
	copy(arr[HeaderSize:], pck.Payload)
	return arr
}

func (pck *Ack) ToBytes() []byte {
	arr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(arr[0:2], uint16(OpcodeAck))
	binary.BigEndian.PutUint16(arr[2:4], pck.Block)
	return arr
}

func (pck *Error) ToBytes() []byte {
	arr := make([]byte, HeaderSize, HeaderSize+len(pck.Message)+1)
	binary.BigEndian.PutUint16(arr[0:2], uint16(OpcodeError))
	binary.BigEndian.PutUint16(arr[2:4], uint16(pck.Code))
	arr = append(arr, pck.Message...)
	arr = append(arr, 0)
	return arr
}

// PeekOpcode reads the opcode without validating the rest of the datagram.
func PeekOpcode(b []byte) (Opcode, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return Opcode(binary.BigEndian.Uint16(b[0:2])), true
}

// PacketFromBytes decodes a datagram. Payloads of decoded DATA packets alias b.
// Every failure wraps ErrFraming.
func PacketFromBytes(b []byte) (Packet, error) {
	op, ok := PeekOpcode(b)
	if !ok {
		return nil, errors.Wrapf(ErrFraming, "%d byte datagram has no opcode", len(b))
	}

	switch op {
	case OpcodeRRQ:
		filename, rest, err := readString(b[2:])
		if err != nil {
			return nil, errors.Wrap(err, "RRQ filename")
		}
		if filename == "" {
			return nil, errors.Wrap(ErrFraming, "RRQ with empty filename")
		}
		// Anything after the mode would be RFC 2347 options, which are ignored.
		mode, _, err := readString(rest)
		if err != nil {
			return nil, errors.Wrap(err, "RRQ mode")
		}
		return &ReadRequest{Filename: filename, Mode: mode}, nil
	case OpcodeData:
		if len(b) < HeaderSize {
			return nil, errors.Wrapf(ErrFraming, "%d byte DATA", len(b))
		}
		if len(b) > PacketSize {
			return nil, errors.Wrapf(ErrFraming, "DATA payload of %d bytes", len(b)-HeaderSize)
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(b[2:4]),
			Payload: b[HeaderSize:],
		}, nil
	case OpcodeAck:
		if len(b) < HeaderSize {
			return nil, errors.Wrapf(ErrFraming, "%d byte ACK", len(b))
		}
		return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
	case OpcodeError:
		if len(b) < HeaderSize {
			return nil, errors.Wrapf(ErrFraming, "%d byte ERROR", len(b))
		}
		message, _, err := readString(b[HeaderSize:])
		if err != nil {
			return nil, errors.Wrap(err, "ERROR message")
		}
		return &Error{
			Code:    ErrorCode(binary.BigEndian.Uint16(b[2:4])),
			Message: message,
		}, nil
	default:
		return nil, errors.Wrapf(ErrFraming, "unrecognized opcode %d", uint16(op))
	}
}

func readString(b []byte) (string, []byte, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", nil, errors.Wrap(ErrFraming, "missing null terminator")
	}
	return string(b[:end]), b[end+1:], nil
}
