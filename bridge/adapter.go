package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/session"
	"golang.org/x/sync/errgroup"
)

// Method names understood by Adapter.Handle
const (
	MethodConnect          = "connect"
	MethodDisconnect       = "disconnect"
	MethodStartStream      = "startStream"
	MethodStopStream       = "stopStream"
	MethodFetchOneSample   = "fetchOneSample"
	MethodState            = "state"
	MethodSearchAndConnect = "searchAndConnect" // legacy alias of connect
	MethodGetOneHrSample   = "getOneHrSample"   // legacy alias of fetchOneSample
)

// Session is the part of session.Manager the adapter drives
type Session interface {
	DiscoverAndConnect(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
	StartStream(ctx context.Context, kind device.StreamKind) error
	StopStream(kind device.StreamKind)
	FetchOneSample(ctx context.Context) (device.HrSample, error)
	RegisterSink(kind device.StreamKind, sink session.Sink)
	UnregisterSink(kind device.StreamKind)
	State() session.ConnectionState
	BatteryLevel() (int, bool)
}

var _ Session = (*session.Manager)(nil)

// MethodCall is one request from the boundary
type MethodCall struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

// Adapter routes method calls and event listeners to a session.
// Every error it returns is a *MethodError.
type Adapter struct {
	session Session
	logger  *logrus.Logger
}

func NewAdapter(s Session, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{session: s, logger: logger}
}

// Handle executes call and returns its result payload
func (a *Adapter) Handle(ctx context.Context, call MethodCall) (any, error) {
	logger := a.logger.WithField("method", call.Method)
	logger.Debug("Handling method call")

	result, err := a.dispatch(ctx, call)
	if err != nil {
		merr := ToMethodError(err)
		logger.WithFields(logrus.Fields{
			"code":  merr.Code,
			"error": merr.Message,
		}).Debug("Method call failed")
		return nil, merr
	}
	return result, nil
}

func (a *Adapter) dispatch(ctx context.Context, call MethodCall) (any, error) {
	switch call.Method {
	case MethodConnect, MethodSearchAndConnect:
		id, err := a.session.DiscoverAndConnect(ctx)
		if err != nil {
			return nil, err
		}
		return newPayload(pair("deviceId", id)), nil

	case MethodDisconnect:
		return nil, a.session.Disconnect(ctx)

	case MethodStartStream:
		kind, err := kindArg(call.Args)
		if err != nil {
			return nil, err
		}
		return nil, a.session.StartStream(ctx, kind)

	case MethodStopStream:
		kind, err := kindArg(call.Args)
		if err != nil {
			return nil, err
		}
		a.session.StopStream(kind)
		return nil, nil

	case MethodFetchOneSample, MethodGetOneHrSample:
		sample, err := a.session.FetchOneSample(ctx)
		if err != nil {
			return nil, err
		}
		return EncodeSample(sample), nil

	case MethodState:
		return a.statePayload(), nil

	default:
		return nil, &MethodError{Code: CodeNotImplemented, Message: fmt.Sprintf("unknown method %q", call.Method)}
	}
}

func (a *Adapter) statePayload() *Payload {
	cur := a.session.State()
	p := newPayload(
		pair("state", cur.Phase.String()),
		pair("deviceId", cur.DeviceID),
	)
	if level, ok := a.session.BatteryLevel(); ok {
		p.Set("battery", level)
	}
	return p
}

func kindArg(args map[string]any) (device.StreamKind, error) {
	raw, ok := args["kind"]
	if !ok {
		return 0, invalidArgument("missing argument \"kind\"")
	}
	name, ok := raw.(string)
	if !ok {
		return 0, invalidArgument("argument \"kind\" must be a string, got %T", raw)
	}
	kind, err := device.ParseStreamKind(name)
	if err != nil {
		return 0, invalidArgument("%v", err)
	}
	return kind, nil
}

// Listen installs sink as the consumer of kind and starts the stream.
// A previous listener of kind is replaced.
func (a *Adapter) Listen(ctx context.Context, kind device.StreamKind, sink EventSink) error {
	a.session.RegisterSink(kind, sinkAdapter{sink: sink})
	if err := a.session.StartStream(ctx, kind); err != nil {
		a.session.UnregisterSink(kind)
		return ToMethodError(err)
	}
	a.logger.WithField("kind", kind).Debug("Listener attached")
	return nil
}

// Cancel stops kind and detaches its listener. A listener of a live stream gets its
// EndOfStream before it is detached.
func (a *Adapter) Cancel(kind device.StreamKind) {
	a.session.StopStream(kind)
	a.session.UnregisterSink(kind)
	a.logger.WithField("kind", kind).Debug("Listener detached")
}

// StartEnabled starts every kind concurrently with a listener from sinkFor.
// The first failure is returned after all starts finished.
func (a *Adapter) StartEnabled(ctx context.Context, kinds []device.StreamKind, sinkFor func(device.StreamKind) EventSink) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			return a.Listen(gctx, kind, sinkFor(kind))
		})
	}
	return g.Wait()
}
