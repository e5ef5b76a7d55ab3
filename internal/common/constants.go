package common

import "time"

// DefaultPort is the well-known TFTP server port.
const DefaultPort = 69

// BlockSize is the fixed DATA payload size. A shorter payload ends the transfer.
const BlockSize = 512

const (
	HeaderSize = 2 + 2
	PacketSize = HeaderSize + BlockSize
)

// MaxPacketSize bounds receive buffers. It is larger than PacketSize so that
// oversized DATA and long requests are seen in full and rejected by the codec.
const MaxPacketSize = 2048

const (
	DefaultTimeout = 2 * time.Second
	DefaultRetries = 5
)

const ModeOctet = "octet"

type Opcode uint16

const (
	OpcodeRRQ   Opcode = 1
	OpcodeWRQ   Opcode = 2
	OpcodeData  Opcode = 3
	OpcodeAck   Opcode = 4
	OpcodeError Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpcodeRRQ:
		return "RRQ"
	case OpcodeWRQ:
		return "WRQ"
	case OpcodeData:
		return "DATA"
	case OpcodeAck:
		return "ACK"
	case OpcodeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrCodeUndefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
)

var errorMessages = [...]string{
	"Undefined",
	"File not found",
	"Access violation",
	"Disk full or allocation exceeded",
	"Illegal TFTP operation",
	"Unknown transfer ID",
	"File already exists",
	"No such user",
}

// String returns the standard message for the code.
func (code ErrorCode) String() string {
	if int(code) < len(errorMessages) {
		return errorMessages[code]
	}
	return "Unknown error"
}
