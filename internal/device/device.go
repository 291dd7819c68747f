package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// StreamKind identifies one of the telemetry streams a sensor can provide
type StreamKind int

const (
	HR StreamKind = iota
	ECG
	ACC
)

// AllStreamKinds lists every stream kind in a stable order
var AllStreamKinds = []StreamKind{HR, ECG, ACC}

func (k StreamKind) String() string {
	switch k {
	case HR:
		return "HR"
	case ECG:
		return "ECG"
	case ACC:
		return "ACC"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known stream kinds
func (k StreamKind) Valid() bool {
	return k == HR || k == ECG || k == ACC
}

// RequiresSettings reports whether the stream needs settings negotiation before it can be opened.
// HR is delivered over the standard Heart Rate service and needs none.
func (k StreamKind) RequiresSettings() bool {
	return k == ECG || k == ACC
}

// ParseStreamKind converts a case-insensitive name ("hr", "ecg", "acc") to a StreamKind
func ParseStreamKind(s string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hr", "heartrate", "heart_rate":
		return HR, nil
	case "ecg":
		return ECG, nil
	case "acc", "accelerometer":
		return ACC, nil
	default:
		return 0, fmt.Errorf("invalid stream kind %q: use hr, ecg, or acc", s)
	}
}

// ParseStreamKinds parses a list of kind names, rejecting duplicates
func ParseStreamKinds(names []string) ([]StreamKind, error) {
	seen := make(map[StreamKind]bool, len(names))
	kinds := make([]StreamKind, 0, len(names))
	for _, name := range names {
		kind, err := ParseStreamKind(name)
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			return nil, fmt.Errorf("duplicate stream kind %q", name)
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Descriptor is a device reported by a single discovery round
type Descriptor struct {
	ID          string
	DisplayName string
}

// SettingType names a negotiable stream parameter
type SettingType uint8

const (
	SettingSampleRate SettingType = 0
	SettingResolution SettingType = 1
	SettingRange      SettingType = 2
	SettingChannels   SettingType = 4
)

func (t SettingType) String() string {
	switch t {
	case SettingSampleRate:
		return "sample_rate"
	case SettingResolution:
		return "resolution"
	case SettingRange:
		return "range"
	case SettingChannels:
		return "channels"
	default:
		return fmt.Sprintf("setting_%d", uint8(t))
	}
}

// StreamSettings holds the parameters negotiated with the device for one stream kind.
// The session core treats them as opaque and hands them back to the Link unchanged.
type StreamSettings map[SettingType]uint32

func (s StreamSettings) String() string {
	if len(s) == 0 {
		return "{}"
	}
	keys := make([]SettingType, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Stream is a live push-based telemetry stream opened on a Link.
//
// Samples are emitted on the channel in device order. The channel is closed when the
// stream terminates, either because Close was called or the device ended it; Err then
// reports the terminal error (nil for a clean end or a Close).
type Stream interface {
	Samples() <-chan Sample
	Err() error
	Close() error
}

// EventHandler receives device events. It may be called on any goroutine.
type EventHandler func(Event)

// Link is the device communication stack: discovery, connection and stream transport.
// All methods may block on the device and honour ctx cancellation.
type Link interface {
	// SetEventHandler installs the receiver for asynchronous device events
	SetEventHandler(h EventHandler)

	// Discover reports devices to found until ctx is cancelled or discovery ends on its own
	Discover(ctx context.Context, found func(Descriptor)) error

	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error

	NegotiateSettings(ctx context.Context, id string, kind StreamKind) (StreamSettings, error)

	// OpenStream starts delivery of kind samples. ctx bounds the open call only;
	// the returned Stream lives until it is closed or the device ends it.
	OpenStream(ctx context.Context, id string, kind StreamKind, settings StreamSettings) (Stream, error)
}
