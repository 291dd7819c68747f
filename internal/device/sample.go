package device

import "fmt"

// Sample is one telemetry reading. The set of implementations is closed.
type Sample interface {
	Kind() StreamKind
	isSample()
}

// HrSample is a heart rate reading with the RR intervals reported alongside it
type HrSample struct {
	BPM           int
	RRIntervalsMs []int
}

func (HrSample) Kind() StreamKind { return HR }
func (HrSample) isSample()        {}

func (s HrSample) String() string {
	return fmt.Sprintf("hr=%d rr=%v", s.BPM, s.RRIntervalsMs)
}

// EcgSample is a single-lead ECG voltage
type EcgSample struct {
	Microvolts int
}

func (EcgSample) Kind() StreamKind { return ECG }
func (EcgSample) isSample()        {}

func (s EcgSample) String() string {
	return fmt.Sprintf("ecg=%duV", s.Microvolts)
}

// EcgBiozSample is the secondary ECG sub-format carrying bio-impedance and a status byte
type EcgBiozSample struct {
	Ecg    int
	Bioz   int
	Status int
}

func (EcgBiozSample) Kind() StreamKind { return ECG }
func (EcgBiozSample) isSample()        {}

func (s EcgBiozSample) String() string {
	return fmt.Sprintf("ecg=%d bioz=%d status=%d", s.Ecg, s.Bioz, s.Status)
}

// AccSample is a three-axis acceleration reading in milli-G
type AccSample struct {
	X, Y, Z int
}

func (AccSample) Kind() StreamKind { return ACC }
func (AccSample) isSample()        {}

func (s AccSample) String() string {
	return fmt.Sprintf("x=%d y=%d z=%d", s.X, s.Y, s.Z)
}
