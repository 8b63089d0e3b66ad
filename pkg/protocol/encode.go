package protocol

import (
	"encoding/binary"
)

// Wire frame layout:
//
//	[4-byte length][1-byte version][2-byte action][tagged fields...]
//
// The length covers everything after the length word itself. Each field is
// tag(1) + length(2) + value; integers are big-endian two's complement,
// strings are UTF-8. Fields whose value equals the record default are
// omitted from the frame.

// Version is the wire protocol version emitted by this build.
const Version byte = 1

// Field tags. New tags may be appended; receivers skip unknown ones.
const (
	tagSourceID     byte = 1
	tagDestID       byte = 2
	tagSourceHandle byte = 3
	tagDestHandle   byte = 4
	tagActionTime   byte = 5
	tagTe           byte = 6
	tagTdemin       byte = 7
	tagCounter      byte = 8
	tagSequence     byte = 9
	tagFlags        byte = 10
	tagPayload      byte = 11
	tagName         byte = 12
)

// MaxFrameSize bounds a decoded frame. Must accommodate the largest payload a
// federate may publish plus header overhead.
const MaxFrameSize = (1 << 20) + (1 << 10) // 1MB payload + header headroom

func appendField32(buf []byte, tag byte, v uint32) []byte {
	buf = append(buf, tag, 0, 4)
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendField64(buf []byte, tag byte, v uint64) []byte {
	buf = append(buf, tag, 0, 8)
	return binary.BigEndian.AppendUint64(buf, v)
}

func appendFieldBytes(buf []byte, tag byte, v []byte) []byte {
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
	return append(buf, v...)
}

// Encode serializes the message body (version, action, fields) without the
// 4-byte length prefix. Use EncodeFrame for the full on-wire frame.
func (m *ActionMessage) Encode() []byte {
	buf := make([]byte, 0, 64+len(m.Payload)+len(m.Name))
	buf = append(buf, Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Action))

	if m.SourceID != 0 {
		buf = appendField32(buf, tagSourceID, uint32(m.SourceID))
	}
	if m.DestID != 0 {
		buf = appendField32(buf, tagDestID, uint32(m.DestID))
	}
	if m.SourceHandle != 0 {
		buf = appendField32(buf, tagSourceHandle, uint32(m.SourceHandle))
	}
	if m.DestHandle != 0 {
		buf = appendField32(buf, tagDestHandle, uint32(m.DestHandle))
	}
	if m.ActionTime != 0 {
		buf = appendField64(buf, tagActionTime, uint64(m.ActionTime))
	}
	if m.Te != 0 {
		buf = appendField64(buf, tagTe, uint64(m.Te))
	}
	if m.Tdemin != 0 {
		buf = appendField64(buf, tagTdemin, uint64(m.Tdemin))
	}
	if m.Counter != 0 {
		buf = appendField32(buf, tagCounter, uint32(m.Counter))
	}
	if m.Sequence != 0 {
		buf = appendField32(buf, tagSequence, m.Sequence)
	}
	if m.Flags != 0 {
		buf = append(buf, tagFlags, 0, 2)
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.Flags))
	}
	if len(m.Payload) > 0 {
		// Payload may exceed the 2-byte TLV length, so it carries its own
		// 4-byte length and must be the only field encoded this way.
		buf = append(buf, tagPayload, 0xFF, 0xFF)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
		buf = append(buf, m.Payload...)
	}
	if m.Name != "" {
		buf = appendFieldBytes(buf, tagName, []byte(m.Name))
	}
	return buf
}

// EncodeFrame serializes the full on-wire frame including the 4-byte
// big-endian length prefix.
func (m *ActionMessage) EncodeFrame() []byte {
	body := m.Encode()
	frame := make([]byte, 0, 4+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	return append(frame, body...)
}
