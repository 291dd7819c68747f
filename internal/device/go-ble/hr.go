package goble

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/hrlink/internal/device"
)

// Heart Rate Measurement flags (GATT 0x2A37)
const (
	hrFlagUint16     = 1 << 0
	hrFlagEnergy     = 1 << 3
	hrFlagRRInterval = 1 << 4
)

// DecodeHeartRate parses a Heart Rate Measurement notification.
// RR intervals arrive in 1/1024 s units and are returned in milliseconds.
func DecodeHeartRate(data []byte) (device.HrSample, error) {
	if len(data) < 2 {
		return device.HrSample{}, fmt.Errorf("heart rate measurement of %d bytes: %w", len(data), device.ErrMalformed)
	}

	flags := data[0]
	pos := 1

	var bpm int
	if flags&hrFlagUint16 != 0 {
		if len(data) < pos+2 {
			return device.HrSample{}, fmt.Errorf("heart rate value truncated: %w", device.ErrMalformed)
		}
		bpm = int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
	} else {
		bpm = int(data[pos])
		pos++
	}

	if flags&hrFlagEnergy != 0 {
		if len(data) < pos+2 {
			return device.HrSample{}, fmt.Errorf("energy expended truncated: %w", device.ErrMalformed)
		}
		pos += 2
	}

	sample := device.HrSample{BPM: bpm}
	if flags&hrFlagRRInterval != 0 {
		if (len(data)-pos)%2 != 0 {
			return device.HrSample{}, fmt.Errorf("odd RR interval payload: %w", device.ErrMalformed)
		}
		sample.RRIntervalsMs = make([]int, 0, (len(data)-pos)/2)
		for ; pos+2 <= len(data); pos += 2 {
			raw := int(binary.LittleEndian.Uint16(data[pos:]))
			sample.RRIntervalsMs = append(sample.RRIntervalsMs, (raw*1000+512)/1024)
		}
	}
	return sample, nil
}
