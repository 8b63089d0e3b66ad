package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/fedcore/pkg/fedtime"
)

// Decoding errors. ErrBadVersion and ErrShortFrame are protocol violations in
// the spec taxonomy: the receiver drops the frame and counts the violation.
var (
	ErrBadVersion = fmt.Errorf("protocol: unsupported frame version")
	ErrShortFrame = fmt.Errorf("protocol: truncated frame")
	ErrFrameSize  = fmt.Errorf("protocol: frame exceeds maximum size")
)

// ReadFrame reads one length-prefixed frame from r and decodes it.
//
// EOF before the length prefix is returned as io.EOF unwrapped so callers can
// detect a normal peer disconnect; any other short read is ErrShortFrame.
func ReadFrame(r io.Reader) (*ActionMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read length: %v", ErrShortFrame, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrShortFrame, err)
	}
	return Decode(body)
}

// Decode parses a frame body (everything after the length prefix).
//
// Unknown field tags are skipped so newer peers can add fields without
// breaking older ones.
func Decode(body []byte) (*ActionMessage, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("%w: %d byte body", ErrShortFrame, len(body))
	}
	if body[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, body[0])
	}
	m := &ActionMessage{Action: Action(binary.BigEndian.Uint16(body[1:3]))}

	rest := body[3:]
	for len(rest) > 0 {
		if len(rest) < 3 {
			return nil, fmt.Errorf("%w: dangling field header", ErrShortFrame)
		}
		tag := rest[0]
		fieldLen := int(binary.BigEndian.Uint16(rest[1:3]))
		rest = rest[3:]

		// The payload field escapes the 2-byte TLV length with a 0xFFFF
		// marker followed by a 4-byte length.
		if tag == tagPayload && fieldLen == 0xFFFF {
			if len(rest) < 4 {
				return nil, fmt.Errorf("%w: payload length", ErrShortFrame)
			}
			fieldLen = int(binary.BigEndian.Uint32(rest[:4]))
			rest = rest[4:]
		}
		if fieldLen > len(rest) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d remain", ErrShortFrame, tag, fieldLen, len(rest))
		}
		value := rest[:fieldLen]
		rest = rest[fieldLen:]

		if err := m.setField(tag, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fieldU32(tag byte, v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("%w: field %d length %d", ErrShortFrame, tag, len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

func fieldU64(tag byte, v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: field %d length %d", ErrShortFrame, tag, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (m *ActionMessage) setField(tag byte, value []byte) error {
	switch tag {
	case tagSourceID:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.SourceID = FederateID(int32(v))
	case tagDestID:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.DestID = FederateID(int32(v))
	case tagSourceHandle:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.SourceHandle = InterfaceHandle(int32(v))
	case tagDestHandle:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.DestHandle = InterfaceHandle(int32(v))
	case tagActionTime:
		v, err := fieldU64(tag, value)
		if err != nil {
			return err
		}
		m.ActionTime = fedtime.Time(int64(v))
	case tagTe:
		v, err := fieldU64(tag, value)
		if err != nil {
			return err
		}
		m.Te = fedtime.Time(int64(v))
	case tagTdemin:
		v, err := fieldU64(tag, value)
		if err != nil {
			return err
		}
		m.Tdemin = fedtime.Time(int64(v))
	case tagCounter:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.Counter = int32(v)
	case tagSequence:
		v, err := fieldU32(tag, value)
		if err != nil {
			return err
		}
		m.Sequence = v
	case tagFlags:
		if len(value) != 2 {
			return fmt.Errorf("%w: flags length %d", ErrShortFrame, len(value))
		}
		m.Flags = Flags(binary.BigEndian.Uint16(value))
	case tagPayload:
		m.Payload = append([]byte(nil), value...)
	case tagName:
		m.Name = string(value)
	default:
		// Unknown tag: ignore for forward compatibility.
	}
	return nil
}
