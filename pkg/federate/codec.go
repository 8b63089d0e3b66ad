package federate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/marmos91/fedcore/pkg/protocol"
)

// Thin typed codecs over the opaque payload API. The fabric itself never
// interprets payloads; these helpers only fix a canonical byte layout so two
// federates using the same declared type agree: strings are raw UTF-8,
// doubles are IEEE 754 big-endian, integers are big-endian two's complement.

// PublishString publishes a string value.
func (f *Federate) PublishString(handle protocol.InterfaceHandle, v string) error {
	return f.Publish(handle, []byte(v))
}

// GetString reads an input as a string.
func (f *Federate) GetString(handle protocol.InterfaceHandle) (string, error) {
	data, err := f.GetValue(handle)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PublishDouble publishes a float64 value.
func (f *Federate) PublishDouble(handle protocol.InterfaceHandle, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return f.Publish(handle, buf[:])
}

// GetDouble reads an input as a float64.
func (f *Federate) GetDouble(handle protocol.InterfaceHandle) (float64, error) {
	data, err := f.GetValue(handle)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("federate: double payload is %d bytes", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

// PublishInt64 publishes an int64 value.
func (f *Federate) PublishInt64(handle protocol.InterfaceHandle, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return f.Publish(handle, buf[:])
}

// GetInt64 reads an input as an int64.
func (f *Federate) GetInt64(handle protocol.InterfaceHandle) (int64, error) {
	data, err := f.GetValue(handle)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("federate: integer payload is %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
