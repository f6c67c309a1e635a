package domain

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Encode marshals a record after validating it.
func Encode(v interface{ Validate() error }) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func DecodeTicket(raw []byte) (*Ticket, error) {
	var t Ticket
	if err := decode(raw, &t); err != nil {
		return nil, err
	}
	return &t, t.Validate()
}

func DecodePointer(raw []byte) (*Pointer, error) {
	var p Pointer
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, p.Validate()
}

func DecodeSession(raw []byte) (*Session, error) {
	var s Session
	if err := decode(raw, &s); err != nil {
		return nil, err
	}
	return &s, s.Validate()
}

func decode(raw []byte, out any) error {
	if len(raw) == 0 {
		return invalid("empty payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
