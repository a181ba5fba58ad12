// Package control implements the small, typed side-channel map passed
// alongside a Message between demux steps: extracted headers, destination
// MACs, PCI slot numbers, and similar per-delivery attributes that don't
// belong in the message bytes themselves.
package control

import (
	"encoding/binary"
	"fmt"
)

// Key names a well-known Control attribute. New keys are added here as the
// protocols that need them are added; there is deliberately no way to
// construct an ad-hoc Key from a caller-supplied string.
type Key string

const (
	KeyProtocolID     Key = "protocol-id"
	KeyPCISlot        Key = "pci-slot"
	KeySourceMAC      Key = "source-mac"
	KeyDestinationMAC Key = "destination-mac"
	KeyIPv4Header     Key = "ipv4-header"
	KeyLocalEndpoint  Key = "local-endpoint"
	KeyRemoteEndpoint Key = "remote-endpoint"
)

// Kind tags the numeric variant stored under a Key, so a mismatched Get
// panics instead of silently reinterpreting bytes.
type Kind uint8

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindU64
	KindU128
	KindI8
	KindI16
	KindI32
	KindI64
	KindI128
)

// Value is a fixed-width numeric value tagged with its Kind. Go has no
// native 128-bit integer, so the two widest variants are carried as
// [16]byte big-endian blocks — the one representational gap from the
// original numeric sum type, documented in SPEC_FULL.md.
type Value struct {
	kind Kind
	data [16]byte
}

func (v Value) Kind() Kind { return v.kind }

// Numeric is the set of Go integer types a Control value may directly hold.
type Numeric interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

func kindOf[T Numeric]() Kind {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return KindU8
	case uint16:
		return KindU16
	case uint32:
		return KindU32
	case uint64:
		return KindU64
	case int8:
		return KindI8
	case int16:
		return KindI16
	case int32:
		return KindI32
	case int64:
		return KindI64
	default:
		panic(fmt.Sprintf("control: unsupported numeric type %T", zero))
	}
}

// NewValue encodes v as a tagged Control value.
func NewValue[T Numeric](v T) Value {
	var data [16]byte
	switch x := any(v).(type) {
	case uint8:
		data[15] = x
	case uint16:
		binary.BigEndian.PutUint16(data[14:16], x)
	case uint32:
		binary.BigEndian.PutUint32(data[12:16], x)
	case uint64:
		binary.BigEndian.PutUint64(data[8:16], x)
	case int8:
		data[15] = uint8(x)
	case int16:
		binary.BigEndian.PutUint16(data[14:16], uint16(x))
	case int32:
		binary.BigEndian.PutUint32(data[12:16], uint32(x))
	case int64:
		binary.BigEndian.PutUint64(data[8:16], uint64(x))
	}
	return Value{kind: kindOf[T](), data: data}
}

// As decodes a Value back to T, panicking if the stored Kind doesn't match
// T — a mismatched variant is a programming error, never a runtime
// condition the caller is expected to handle.
func As[T Numeric](v Value) T {
	want := kindOf[T]()
	if v.kind != want {
		panic(fmt.Sprintf("control: value has kind %d, want %d", v.kind, want))
	}

	var zero T
	switch any(zero).(type) {
	case uint8:
		return T(v.data[15])
	case uint16:
		return T(binary.BigEndian.Uint16(v.data[14:16]))
	case uint32:
		return T(binary.BigEndian.Uint32(v.data[12:16]))
	case uint64:
		return T(binary.BigEndian.Uint64(v.data[8:16]))
	case int8:
		return T(int8(v.data[15]))
	case int16:
		return T(int16(binary.BigEndian.Uint16(v.data[14:16])))
	case int32:
		return T(int32(binary.BigEndian.Uint32(v.data[12:16])))
	case int64:
		return T(int64(binary.BigEndian.Uint64(v.data[8:16])))
	}
	panic(fmt.Sprintf("control: unsupported numeric type %T", zero))
}

// NewU128 and NewI128 carry the two widest variants as raw big-endian
// 16-byte blocks, since Go has no native 128-bit integer type.
func NewU128(data [16]byte) Value { return Value{kind: KindU128, data: data} }
func NewI128(data [16]byte) Value { return Value{kind: KindI128, data: data} }

// As128 decodes a U128/I128 Value, panicking on a Kind mismatch.
func As128(v Value, want Kind) [16]byte {
	if want != KindU128 && want != KindI128 {
		panic(fmt.Sprintf("control: As128 called with non-128-bit kind %d", want))
	}
	if v.kind != want {
		panic(fmt.Sprintf("control: value has kind %d, want %d", v.kind, want))
	}
	return v.data
}

// ErrMissingKey is returned (never panicked) by Get when a Key is absent —
// a condition a demux implementation is expected to handle, unlike a kind
// mismatch.
type ErrMissingKey struct {
	Key Key
}

func (e ErrMissingKey) Error() string {
	return fmt.Sprintf("control: missing key %q", e.Key)
}

// Control is a small, per-message, not-thread-safe mapping from Key to
// Value. It is owned by exactly one message in flight and is never
// persisted beyond that message's lifetime.
type Control struct {
	values map[Key]Value
}

// New returns an empty Control.
func New() Control {
	return Control{values: make(map[Key]Value)}
}

// Insert records value under key, overwriting any previous value.
func (c Control) Insert(key Key, value Value) {
	c.values[key] = value
}

// Get returns the value stored under key, or ErrMissingKey if absent.
func (c Control) Get(key Key) (Value, error) {
	v, ok := c.values[key]
	if !ok {
		return Value{}, ErrMissingKey{Key: key}
	}
	return v, nil
}

// Has reports whether key is present.
func (c Control) Has(key Key) bool {
	_, ok := c.values[key]
	return ok
}
