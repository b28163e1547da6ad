package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is returned when a payload cannot be interpreted under any supported encoding
var ErrDecode = errors.New("audio: payload not decodable")

// PlausibleLimit bounds the magnitude of float32 samples accepted without fallback
const PlausibleLimit = 10.0

// SampleFormat identifies the wire encoding a frame was decoded from
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatFloat32
	FormatInt16
	FormatInt32
)

// String returns the format name used in logs
func (f SampleFormat) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatInt16:
		return "int16"
	case FormatInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// candidate is one attempted interpretation in the fallback chain
type candidate struct {
	format SampleFormat
	width  int
	decode func(raw []byte) ([]float32, bool)
}

var candidates = []candidate{
	{format: FormatFloat32, width: 4, decode: decodeFloat32},
	{format: FormatInt16, width: 2, decode: decodeInt16},
	{format: FormatInt32, width: 4, decode: decodeInt32},
}

// Decode converts an inbound little-endian frame into normalized float32 samples.
// Interpretations are tried in order float32, int16, int32; a candidate is skipped
// when the byte length is not a multiple of its width or its values are implausible.
func Decode(raw []byte) ([]float32, SampleFormat, error) {
	if len(raw) == 0 {
		return nil, FormatUnknown, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	for _, c := range candidates {
		if len(raw)%c.width != 0 {
			continue
		}
		if samples, ok := c.decode(raw); ok {
			return samples, c.format, nil
		}
	}

	return nil, FormatUnknown, fmt.Errorf("%w: %d bytes", ErrDecode, len(raw))
}

// DecodeBase64 decodes a base64 payload and then its samples
func DecodeBase64(data string) ([]float32, SampleFormat, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, FormatUnknown, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
	}
	return Decode(raw)
}

// EncodeBase64Float32 encodes samples as base64 little-endian float32, the preferred wire format
func EncodeBase64Float32(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeFloat32(raw []byte) ([]float32, bool) {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if math.IsNaN(float64(v)) || math.Abs(float64(v)) > PlausibleLimit {
			return nil, false
		}
		samples[i] = v
	}
	return samples, true
}

func decodeInt16(raw []byte) ([]float32, bool) {
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
	}
	return samples, true
}

func decodeInt32(raw []byte) ([]float32, bool) {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = float32(float64(int32(binary.LittleEndian.Uint32(raw[i*4:]))) / 2147483648.0)
	}
	return samples, true
}
