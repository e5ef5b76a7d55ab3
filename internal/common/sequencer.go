package common

// Order classifies a received block number against the expected one.
type Order int

const (
	InOrder Order = iota
	Duplicate
	OutOfOrder
)

func (o Order) String() string {
	switch o {
	case InOrder:
		return "in order"
	case Duplicate:
		return "duplicate"
	default:
		return "out of order"
	}
}

// Classify compares block numbers modulo 65536. Only the block directly before
// expected counts as a duplicate; anything further back is stray.
func Classify(received, expected uint16) Order {
	switch received {
	case expected:
		return InOrder
	case expected - 1:
		return Duplicate
	default:
		return OutOfOrder
	}
}

// Sequencer tracks the next expected block of a transfer.
type Sequencer struct {
	expected uint16
}

func NewSequencer(first uint16) *Sequencer {
	return &Sequencer{expected: first}
}

func (s *Sequencer) Expected() uint16 {
	return s.expected
}

// Accept classifies received and advances past it when it is in order.
func (s *Sequencer) Accept(received uint16) Order {
	order := Classify(received, s.expected)
	if order == InOrder {
		s.expected++
	}
	return order
}
