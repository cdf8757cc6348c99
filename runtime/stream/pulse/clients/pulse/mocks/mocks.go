// Package mocks provides testify/mock doubles for the pulse.Client, pulse.Stream,
// and pulse.Sink interfaces. Generated by hand in the style of mockery output;
// regenerate with `mockery --name Client` etc. if the interfaces change.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/distrihub/distri/runtime/stream/pulse/clients/pulse"
)

// Client is a mock of pulse.Client.
type Client struct{ mock.Mock }

// NewClient returns a Client mock registered for cleanup on t.
func NewClient(t interface{ Cleanup(func()) }) *Client {
	m := &Client{}
	t.Cleanup(func() { m.AssertExpectations(noopT{}) })
	return m
}

func (m *Client) Stream(name string, opts ...streamopts.Stream) (pulse.Stream, error) {
	args := m.Called(name, opts)
	s, _ := args.Get(0).(pulse.Stream)
	return s, args.Error(1)
}

func (m *Client) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stream is a mock of pulse.Stream.
type Stream struct{ mock.Mock }

// NewStream returns a Stream mock registered for cleanup on t.
func NewStream(t interface{ Cleanup(func()) }) *Stream {
	m := &Stream{}
	t.Cleanup(func() { m.AssertExpectations(noopT{}) })
	return m
}

func (m *Stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	args := m.Called(ctx, event, payload)
	return args.String(0), args.Error(1)
}

func (m *Stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulse.Sink, error) {
	args := m.Called(ctx, name, opts)
	s, _ := args.Get(0).(pulse.Sink)
	return s, args.Error(1)
}

func (m *Stream) Destroy(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Sink is a mock of pulse.Sink.
type Sink struct{ mock.Mock }

// NewSink returns a Sink mock registered for cleanup on t.
func NewSink(t interface{ Cleanup(func()) }) *Sink {
	m := &Sink{}
	t.Cleanup(func() { m.AssertExpectations(noopT{}) })
	return m
}

func (m *Sink) Subscribe() <-chan *streaming.Event {
	args := m.Called()
	ch, _ := args.Get(0).(<-chan *streaming.Event)
	return ch
}

func (m *Sink) Ack(ctx context.Context, ev *streaming.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *Sink) Close(ctx context.Context) {
	m.Called(ctx)
}

// noopT satisfies mock.TestingT without failing the outer test on cleanup.
type noopT struct{}

func (noopT) Logf(string, ...interface{})   {}
func (noopT) Errorf(string, ...interface{}) {}
func (noopT) FailNow()                      {}
