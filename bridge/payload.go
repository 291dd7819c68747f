package bridge

import (
	"github.com/srg/hrlink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Payload is a JSON object with stable key order
type Payload = orderedmap.OrderedMap[string, any]

type field struct {
	key   string
	value any
}

func newPayload(fields ...field) *Payload {
	p := orderedmap.New[string, any]()
	for _, f := range fields {
		p.Set(f.key, f.value)
	}
	return p
}

func pair(key string, value any) field {
	return field{key: key, value: value}
}

// EncodeSample converts a sample into its sink payload:
// HR {hr, rr}, ECG {microvolts} or {ecg, bioz, status}, ACC {x, y, z}.
func EncodeSample(sample device.Sample) *Payload {
	switch s := sample.(type) {
	case device.HrSample:
		rr := s.RRIntervalsMs
		if rr == nil {
			rr = []int{}
		}
		return newPayload(pair("hr", s.BPM), pair("rr", rr))
	case device.EcgSample:
		return newPayload(pair("microvolts", s.Microvolts))
	case device.EcgBiozSample:
		return newPayload(pair("ecg", s.Ecg), pair("bioz", s.Bioz), pair("status", s.Status))
	case device.AccSample:
		return newPayload(pair("x", s.X), pair("y", s.Y), pair("z", s.Z))
	default:
		return newPayload()
	}
}

// EventSink is the consumer side of one stream kind across the boundary
type EventSink interface {
	Success(payload *Payload)
	Error(code, message string)
	EndOfStream()
}

// sinkAdapter turns session deliveries into EventSink calls
type sinkAdapter struct {
	sink EventSink
}

func (a sinkAdapter) OnSample(sample device.Sample) {
	a.sink.Success(EncodeSample(sample))
}

func (a sinkAdapter) OnClosed(_ device.StreamKind, err error) {
	if err != nil {
		merr := ToMethodError(err)
		a.sink.Error(merr.Code, merr.Message)
		return
	}
	a.sink.EndOfStream()
}
