package packetcomp

import (
	"errors"
	"fmt"
)

// Role identifies which end of a connection a transform serves. It decides
// which directional dictionary is used for encoding and which for decoding.
type Role int

const (
	// RoleInitiator is the connecting side (client). It encodes with the
	// client dictionary and decodes with the server dictionary.
	RoleInitiator Role = iota
	// RoleResponder is the accepting side (server). It encodes with the
	// server dictionary and decodes with the client dictionary.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is the readiness of a Transform. It is fixed at construction.
type State int

const (
	// StateDisabled means compression is off. Outgoing packets are sent
	// raw; Incoming still consumes the leading flag bit.
	StateDisabled State = iota
	// StateNoDictionary means compression is configured but at least one
	// directional dictionary failed to load. Outgoing is always raw.
	StateNoDictionary
	// StateReady means both directional dictionaries are loaded.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateNoDictionary:
		return "no-dictionary"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrDictionaryLoad       = errors.New("packetcomp: dictionary load failed")
	ErrMalformedDictionary  = errors.New("packetcomp: malformed dictionary file")
	ErrTruncatedDictionary  = errors.New("packetcomp: truncated dictionary file")
	ErrPacketTooLarge       = errors.New("packetcomp: packet exceeds maximum raw size")
	ErrTruncatedPacket      = errors.New("packetcomp: truncated packet")
	ErrProtocolMismatch     = errors.New("packetcomp: compressed packet received without a decode dictionary")
	ErrRawSizeOverflow      = errors.New("packetcomp: declared raw size exceeds maximum")
	ErrDecodeFailure        = errors.New("packetcomp: decode failure")
	ErrInvalidConfig        = errors.New("packetcomp: invalid configuration")
	ErrUnsupportedAlgorithm = errors.New("packetcomp: unsupported compression algorithm")
	ErrInvalidLevel         = errors.New("packetcomp: invalid compression level")
	ErrInvalidCapture       = errors.New("packetcomp: invalid capture file")
	ErrInvalidDatagram      = errors.New("packetcomp: invalid datagram")
)

// DictionaryLoadError reports a dictionary that could not be loaded from
// storage. It matches ErrDictionaryLoad with errors.Is.
type DictionaryLoadError struct {
	Path string
	Err  error
}

func (e *DictionaryLoadError) Error() string {
	return fmt.Sprintf("packetcomp: load dictionary %q: %v", e.Path, e.Err)
}

func (e *DictionaryLoadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDictionaryLoad.
func (e *DictionaryLoadError) Is(target error) bool { return target == ErrDictionaryLoad }

// IsFatal reports whether err must terminate the connection that produced
// the packet. Decoded streams are not resynchronizable, so every receive
// side failure is fatal.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, ErrDecodeFailure),
		errors.Is(err, ErrRawSizeOverflow),
		errors.Is(err, ErrTruncatedPacket):
		return true
	default:
		return false
	}
}
