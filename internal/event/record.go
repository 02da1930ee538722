package event

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the record encoding.
const (
	fieldKind    protowire.Number = 1
	fieldAddress protowire.Number = 2
	fieldValue   protowire.Number = 3
)

var (
	// ErrMalformedRecord is returned when a datagram cannot be decoded.
	ErrMalformedRecord = errors.New("malformed event record")

	// ErrNoRecord is returned by non-blocking readers when nothing is queued.
	ErrNoRecord = errors.New("no event record available")
)

// Record is one decoded unit read from a monitoring channel. Value carries a
// connection handle, an error code or a retry interval in milliseconds
// depending on Kind.
type Record struct {
	Kind    Kind
	Address string
	Value   uint32
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s value=%d", r.Kind, r.Address, r.Value)
}

// Marshal appends the wire encoding of r to b.
func (r Record) Marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fieldAddress, protowire.BytesType)
	b = protowire.AppendString(b, r.Address)
	b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Value))
	return b
}

// Unmarshal decodes one record. Kind values are not validated here.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: kind: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			if v > uint64(^uint32(0)) {
				return Record{}, fmt.Errorf("%w: kind %d overflows", ErrMalformedRecord, v)
			}
			r.Kind = Kind(v)
			b = b[n:]
		case num == fieldAddress && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: address: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.Address = v
			b = b[n:]
		case num == fieldValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: value: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			if v > uint64(^uint32(0)) {
				return Record{}, fmt.Errorf("%w: value %d overflows", ErrMalformedRecord, v)
			}
			r.Value = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}
