package protocol

import (
	"fmt"
)

// Message is one inbound transport message.
type Message struct {
	Binary bool
	Data   []byte
}

// Pair is a completed artifact: the announce and the payload that followed it.
type Pair struct {
	Announce Announce
	Payload  []byte
}

// DesyncError reports an announce that was dropped because another announce
// arrived before its payload. It matches ErrDesync with errors.Is.
type DesyncError struct {
	Dropped Announce
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("%v: dropped %s announce %q", ErrDesync, e.Dropped.Kind, e.Dropped.CapturedAt)
}

func (e *DesyncError) Unwrap() error { return ErrDesync }

// Assembler pairs announces with the binary payload that follows them. There
// is no correlation id on the wire: a payload always belongs to the most
// recent unmatched announce. The zero value is ready to use and it is not safe
// for concurrent use; each session owns one.
type Assembler struct {
	pending *Announce
}

// OnMessage consumes one message. It returns a Pair when msg completes one, and
// a protocol error when msg cannot be paired. Errors never leave the assembler
// stuck: after a desync the newer announce is pending, after an orphan payload
// nothing is.
func (a *Assembler) OnMessage(msg Message) (*Pair, error) {
	if msg.Binary {
		if a.pending == nil {
			return nil, fmt.Errorf("%w (%d bytes)", ErrOrphanPayload, len(msg.Data))
		}
		p := &Pair{Announce: *a.pending, Payload: msg.Data}
		a.pending = nil
		return p, nil
	}

	f, err := Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case Announce:
		prev := a.pending
		a.pending = &f
		if prev != nil {
			return nil, &DesyncError{Dropped: *prev}
		}
		return nil, nil
	case Auth:
		return nil, fmt.Errorf("%w: %s after authentication", ErrUnexpectedFrame, TypeAuth)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
}

// Pending reports the announce waiting for its payload.
func (a *Assembler) Pending() (Announce, bool) {
	if a.pending == nil {
		return Announce{}, false
	}
	return *a.pending, true
}

// Reset drops the pending announce.
func (a *Assembler) Reset() {
	a.pending = nil
}
