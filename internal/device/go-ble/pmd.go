package goble

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/srg/hrlink/internal/device"
)

// ----------------------------
// PMD control point
// ----------------------------

// PMD measurement types
const (
	pmdMeasurementECG byte = 0x00
	pmdMeasurementACC byte = 0x02
)

// PMD control point op codes
const (
	pmdOpGetSettings byte = 0x01
	pmdOpStart       byte = 0x02
	pmdOpStop        byte = 0x03

	pmdResponseCode byte = 0xF0
)

// PMD control point status codes
const (
	pmdStatusSuccess        byte = 0x00
	pmdStatusAlreadyInState byte = 0x06
)

var pmdStatusText = map[byte]string{
	0x01: "invalid op code",
	0x02: "invalid measurement type",
	0x03: "not supported",
	0x04: "invalid length",
	0x05: "invalid parameter",
	0x06: "already in state",
	0x07: "invalid resolution",
	0x08: "invalid sample rate",
	0x09: "invalid range",
	0x0A: "invalid MTU",
	0x0B: "invalid number of channels",
	0x0C: "invalid state",
	0x0D: "device in charger",
}

// pmdFieldSize is the width in bytes of one value of each setting type.
// Types 3 (range in milli units) and 5 (conversion factor) are parsed but not negotiated.
var pmdFieldSize = map[byte]int{
	byte(device.SettingSampleRate): 2,
	byte(device.SettingResolution): 2,
	byte(device.SettingRange):      2,
	3:                              4,
	byte(device.SettingChannels):   1,
	5:                              4,
}

func pmdMeasurementType(kind device.StreamKind) (byte, error) {
	switch kind {
	case device.ECG:
		return pmdMeasurementECG, nil
	case device.ACC:
		return pmdMeasurementACC, nil
	default:
		return 0, fmt.Errorf("%s has no measurement data type: %w", kind, device.ErrUnsupported)
	}
}

func pmdKind(measurementType byte) (device.StreamKind, bool) {
	switch measurementType {
	case pmdMeasurementECG:
		return device.ECG, true
	case pmdMeasurementACC:
		return device.ACC, true
	default:
		return 0, false
	}
}

// pmdResponse is a parsed control point indication
type pmdResponse struct {
	Op              byte
	MeasurementType byte
	Status          byte
	More            bool
	Params          []byte
}

// Err converts a non-success status into an error wrapping device.ErrRejected
func (r pmdResponse) Err() error {
	if r.Status == pmdStatusSuccess {
		return nil
	}
	if r.Op == pmdOpStart && r.Status == pmdStatusAlreadyInState {
		return nil
	}
	text, ok := pmdStatusText[r.Status]
	if !ok {
		text = fmt.Sprintf("status 0x%02x", r.Status)
	}
	return fmt.Errorf("%w: op 0x%02x type %d: %s", device.ErrRejected, r.Op, r.MeasurementType, text)
}

func encodeSettingsRequest(measurementType byte) []byte {
	return []byte{pmdOpGetSettings, measurementType}
}

func encodeStop(measurementType byte) []byte {
	return []byte{pmdOpStop, measurementType}
}

// encodeStart builds a start request carrying one value per setting, ordered by setting type
func encodeStart(measurementType byte, settings device.StreamSettings) ([]byte, error) {
	keys := make([]device.SettingType, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	buf := []byte{pmdOpStart, measurementType}
	for _, k := range keys {
		size, ok := pmdFieldSize[byte(k)]
		if !ok {
			return nil, fmt.Errorf("setting %s cannot be encoded: %w", k, device.ErrUnsupported)
		}
		buf = append(buf, byte(k), 1)
		buf = appendUint(buf, settings[k], size)
	}
	return buf, nil
}

func parsePMDResponse(data []byte) (pmdResponse, error) {
	if len(data) < 4 || data[0] != pmdResponseCode {
		return pmdResponse{}, fmt.Errorf("control point response % x: %w", data, device.ErrMalformed)
	}
	resp := pmdResponse{
		Op:              data[1],
		MeasurementType: data[2],
		Status:          data[3],
	}
	if len(data) > 4 {
		resp.More = data[4] != 0
		resp.Params = data[5:]
	}
	return resp, nil
}

// parseSettings decodes the settings block of a get-settings response into the offered values per type
func parseSettings(params []byte) (map[device.SettingType][]uint32, error) {
	offered := make(map[device.SettingType][]uint32)
	for pos := 0; pos < len(params); {
		if pos+2 > len(params) {
			return nil, fmt.Errorf("settings header truncated: %w", device.ErrMalformed)
		}
		typ, count := params[pos], int(params[pos+1])
		pos += 2

		size, ok := pmdFieldSize[typ]
		if !ok {
			return nil, fmt.Errorf("unknown setting type %d: %w", typ, device.ErrMalformed)
		}
		if pos+count*size > len(params) {
			return nil, fmt.Errorf("setting %d values truncated: %w", typ, device.ErrMalformed)
		}
		values := make([]uint32, 0, count)
		for i := 0; i < count; i++ {
			values = append(values, readUint(params[pos:pos+size]))
			pos += size
		}
		if typ == 3 || typ == 5 {
			continue
		}
		offered[device.SettingType(typ)] = values
	}
	return offered, nil
}

// selectSettings picks the highest offered value of every setting
func selectSettings(offered map[device.SettingType][]uint32) device.StreamSettings {
	settings := make(device.StreamSettings, len(offered))
	for typ, values := range offered {
		if len(values) == 0 {
			continue
		}
		best := values[0]
		for _, v := range values[1:] {
			if v > best {
				best = v
			}
		}
		settings[typ] = best
	}
	return settings
}

// ----------------------------
// PMD data frames
// ----------------------------

const pmdFrameHeaderSize = 10

const pmdFrameCompressed byte = 0x80

// PMDFrame is one decoded measurement data notification
type PMDFrame struct {
	Kind        device.StreamKind
	TimestampNs uint64
	Samples     []device.Sample
}

// DecodePMDFrame decodes an uncompressed ECG or ACC measurement data notification.
//
// ECG frame type 0 carries 3-byte signed microvolt samples; frame type 3 carries
// 3-byte ECG, 3-byte bio-impedance and a status byte per sample. ACC frame types
// 0, 1 and 2 carry x/y/z axes as 1, 2 or 3 byte signed milli-G values.
func DecodePMDFrame(data []byte) (PMDFrame, error) {
	if len(data) < pmdFrameHeaderSize {
		return PMDFrame{}, fmt.Errorf("measurement frame of %d bytes: %w", len(data), device.ErrMalformed)
	}
	kind, ok := pmdKind(data[0])
	if !ok {
		return PMDFrame{}, fmt.Errorf("measurement type %d: %w", data[0], device.ErrUnsupported)
	}
	frameType := data[9]
	if frameType&pmdFrameCompressed != 0 {
		return PMDFrame{}, fmt.Errorf("compressed %s frame type 0x%02x: %w", kind, frameType, device.ErrUnsupported)
	}

	frame := PMDFrame{
		Kind:        kind,
		TimestampNs: binary.LittleEndian.Uint64(data[1:9]),
	}
	payload := data[pmdFrameHeaderSize:]

	var err error
	switch kind {
	case device.ECG:
		frame.Samples, err = decodeECG(frameType, payload)
	case device.ACC:
		frame.Samples, err = decodeACC(frameType, payload)
	}
	if err != nil {
		return PMDFrame{}, err
	}
	return frame, nil
}

func decodeECG(frameType byte, payload []byte) ([]device.Sample, error) {
	switch frameType {
	case 0:
		if len(payload)%3 != 0 {
			return nil, fmt.Errorf("ECG payload of %d bytes: %w", len(payload), device.ErrMalformed)
		}
		samples := make([]device.Sample, 0, len(payload)/3)
		for pos := 0; pos < len(payload); pos += 3 {
			samples = append(samples, device.EcgSample{Microvolts: int24(payload[pos:])})
		}
		return samples, nil
	case 3:
		if len(payload)%7 != 0 {
			return nil, fmt.Errorf("ECG/bio-impedance payload of %d bytes: %w", len(payload), device.ErrMalformed)
		}
		samples := make([]device.Sample, 0, len(payload)/7)
		for pos := 0; pos < len(payload); pos += 7 {
			samples = append(samples, device.EcgBiozSample{
				Ecg:    int24(payload[pos:]),
				Bioz:   int24(payload[pos+3:]),
				Status: int(payload[pos+6]),
			})
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("ECG frame type %d: %w", frameType, device.ErrUnsupported)
	}
}

func decodeACC(frameType byte, payload []byte) ([]device.Sample, error) {
	var width int
	switch frameType {
	case 0:
		width = 1
	case 1:
		width = 2
	case 2:
		width = 3
	default:
		return nil, fmt.Errorf("ACC frame type %d: %w", frameType, device.ErrUnsupported)
	}

	step := 3 * width
	if len(payload)%step != 0 {
		return nil, fmt.Errorf("ACC payload of %d bytes: %w", len(payload), device.ErrMalformed)
	}
	samples := make([]device.Sample, 0, len(payload)/step)
	for pos := 0; pos < len(payload); pos += step {
		samples = append(samples, device.AccSample{
			X: signed(payload[pos:], width),
			Y: signed(payload[pos+width:], width),
			Z: signed(payload[pos+2*width:], width),
		})
	}
	return samples, nil
}

// ----------------------------
// Little-endian helpers
// ----------------------------

func signed(b []byte, width int) int {
	switch width {
	case 1:
		return int(int8(b[0]))
	case 2:
		return int(int16(binary.LittleEndian.Uint16(b)))
	default:
		return int24(b)
	}
}

func int24(b []byte) int {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return int(v)
}

func readUint(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func appendUint(buf []byte, v uint32, size int) []byte {
	for i := 0; i < size; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
