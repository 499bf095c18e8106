// SPDX-License-Identifier: MIT

// Package stub provides an in-process driver used by development runs and
// tests. A handle plays back a configurable event script after Initialize
// and exposes hooks so tests can fail sends, delay readiness or emit
// arbitrary events mid-flight.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/ports"
)

// ErrSessionClosed mirrors the wording real drivers use for a send against
// a torn-down session, so classification paths see realistic input.
var ErrSessionClosed = errors.New("Session closed")

// Step is one scripted emission, played After the previous step.
type Step struct {
	After time.Duration
	Event model.DriverEvent
}

// HappyPath scripts the create flow a paired account goes through:
// QR, scan, authenticated, ready.
func HappyPath(qr string) []Step {
	return []Step{
		{After: 5 * time.Millisecond, Event: model.DriverEvent{Type: model.EventQR, Text: qr}},
		{After: 5 * time.Millisecond, Event: model.DriverEvent{Type: model.EventAuthenticated}},
		{After: 5 * time.Millisecond, Event: model.DriverEvent{Type: model.EventReady}},
	}
}

// Options configures every handle a Factory hands out.
type Options struct {
	// ScriptFor returns the playback script for the n-th Initialize of a
	// handle (1-based, counted per handle). Nil means no playback; tests
	// drive the handle through Emit instead.
	ScriptFor func(initCount int) []Step

	// InitErr fails Initialize immediately when non-nil.
	InitErr error

	// InitDelay stalls Initialize before returning.
	InitDelay time.Duration

	// Info is reported by Info once InfoOK flips true.
	Info   ports.ClientInfo
	InfoOK bool
}

// Factory builds stub handles and remembers every handle per instance so
// tests can reach the one a hard restart created.
type Factory struct {
	mu      sync.Mutex
	opts    Options
	handles map[string][]*Driver
}

// NewFactory returns a Factory applying opts to every new handle.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts, handles: make(map[string][]*Driver)}
}

// New creates a fresh handle for the instance.
func (f *Factory) New(instanceID, authDir string) (ports.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := newDriver(instanceID, authDir, f.opts)
	f.handles[instanceID] = append(f.handles[instanceID], d)
	return d, nil
}

// Handles returns every handle ever created for the instance, oldest first.
func (f *Factory) Handles(instanceID string) []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Driver, len(f.handles[instanceID]))
	copy(out, f.handles[instanceID])
	return out
}

// Last returns the most recent handle for the instance, or nil.
func (f *Factory) Last(instanceID string) *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[instanceID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Driver is a single scriptable handle.
type Driver struct {
	InstanceID string
	AuthDir    string

	mu        sync.Mutex
	opts      Options
	events    chan model.DriverEvent
	closed    bool
	running   bool
	initCount int
	destroys  int
	stop      chan struct{}

	connState string
	info      ports.ClientInfo
	infoOK    bool

	sentMessages []model.MessagePayload
	sentPolls    []model.PollPayload
	typing       []string // "<chatID>:on" / "<chatID>:off"

	onSendMessage func(chatID, body string) (string, error)
	onSendPoll    func(poll model.PollPayload) (string, error)
}

func newDriver(instanceID, authDir string, opts Options) *Driver {
	return &Driver{
		InstanceID: instanceID,
		AuthDir:    authDir,
		opts:       opts,
		events:     make(chan model.DriverEvent, 256),
		info:       opts.Info,
		infoOK:     opts.InfoOK,
	}
}

// Initialize starts the session and plays the configured script.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrSessionClosed
	}
	d.initCount++
	count := d.initCount
	d.running = true
	d.stop = make(chan struct{})
	stop := d.stop
	opts := d.opts
	d.mu.Unlock()

	if opts.InitDelay > 0 {
		select {
		case <-time.After(opts.InitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if opts.InitErr != nil {
		return opts.InitErr
	}
	if opts.ScriptFor != nil {
		go d.play(opts.ScriptFor(count), stop)
	}
	return nil
}

func (d *Driver) play(steps []Step, stop chan struct{}) {
	for _, st := range steps {
		select {
		case <-time.After(st.After):
		case <-stop:
			return
		}
		d.Emit(st.Event)
	}
}

// Destroy stops the session; the handle stays reusable.
func (d *Driver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.destroys++
		d.running = false
		close(d.stop)
	}
	d.connState = ""
	return nil
}

// Close discards the handle and ends the event stream.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.running {
		d.running = false
		close(d.stop)
	}
	d.closed = true
	close(d.events)
}

// Events returns the handle's event stream.
func (d *Driver) Events() <-chan model.DriverEvent {
	return d.events
}

// Emit injects an event into the stream. Events carrying a zero timestamp
// are stamped with the current time. Emissions after Close are dropped.
func (d *Driver) Emit(ev model.DriverEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	switch ev.Type {
	case model.EventReady:
		d.connState = "CONNECTED"
		if !d.infoOK {
			d.info = ports.ClientInfo{PhoneNumber: "15550000000", DisplayName: "stub", Platform: "stub"}
			d.infoOK = true
		}
	case model.EventDisconnected:
		d.connState = ""
	}
	select {
	case d.events <- ev:
	default:
		// Stream backlogged; a stub never blocks its caller.
	}
}

// FailSends routes every SendMessage/SendPoll through fn until reset with a
// nil fn. The returned string is the provider message id.
func (d *Driver) FailSends(fn func(chatID string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		d.onSendMessage = nil
		d.onSendPoll = nil
		return
	}
	d.onSendMessage = func(chatID, _ string) (string, error) { return "", fn(chatID) }
	d.onSendPoll = func(p model.PollPayload) (string, error) { return "", fn(p.ChatID) }
}

// OnSendMessage overrides the message send outcome.
func (d *Driver) OnSendMessage(fn func(chatID, body string) (string, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSendMessage = fn
}

// SendMessage records the message and succeeds unless a hook says otherwise.
func (d *Driver) SendMessage(ctx context.Context, chatID, body string) (ports.SendResult, error) {
	d.mu.Lock()
	if d.closed || !d.running {
		d.mu.Unlock()
		return ports.SendResult{}, ErrSessionClosed
	}
	hook := d.onSendMessage
	d.mu.Unlock()

	if hook != nil {
		id, err := hook(chatID, body)
		if err != nil {
			return ports.SendResult{}, err
		}
		if id != "" {
			d.recordMessage(chatID, body)
			return ports.SendResult{ProviderMessageID: id}, nil
		}
	}
	d.recordMessage(chatID, body)
	return ports.SendResult{ProviderMessageID: d.nextProviderID()}, nil
}

// SendPoll records the poll and succeeds unless a hook says otherwise.
func (d *Driver) SendPoll(ctx context.Context, poll model.PollPayload) (ports.SendResult, error) {
	d.mu.Lock()
	if d.closed || !d.running {
		d.mu.Unlock()
		return ports.SendResult{}, ErrSessionClosed
	}
	hook := d.onSendPoll
	d.mu.Unlock()

	if hook != nil {
		id, err := hook(poll)
		if err != nil {
			return ports.SendResult{}, err
		}
		if id != "" {
			d.recordPoll(poll)
			return ports.SendResult{ProviderMessageID: id}, nil
		}
	}
	d.recordPoll(poll)
	return ports.SendResult{ProviderMessageID: d.nextProviderID()}, nil
}

// SetTyping records the indicator toggle.
func (d *Driver) SetTyping(ctx context.Context, chatID string, typing bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.running {
		return ErrSessionClosed
	}
	state := "off"
	if typing {
		state = "on"
	}
	d.typing = append(d.typing, chatID+":"+state)
	return nil
}

// ConnectionState reports the simulated connection state.
func (d *Driver) ConnectionState(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.running {
		return "", ErrSessionClosed
	}
	return d.connState, nil
}

// SetConnectionState overrides the state the readiness poll sees.
func (d *Driver) SetConnectionState(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connState = s
}

// Info reports the simulated account identity.
func (d *Driver) Info(ctx context.Context) (ports.ClientInfo, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ports.ClientInfo{}, false, ErrSessionClosed
	}
	return d.info, d.infoOK, nil
}

// SetInfo overrides the account identity the readiness poll sees.
func (d *Driver) SetInfo(info ports.ClientInfo, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
	d.infoOK = ok
}

// Logout drops the credentials and emits the disconnect a real session
// produces after a remote unlink.
func (d *Driver) Logout(ctx context.Context) error {
	d.mu.Lock()
	if d.closed || !d.running {
		d.mu.Unlock()
		return ErrSessionClosed
	}
	d.info = ports.ClientInfo{}
	d.infoOK = false
	d.mu.Unlock()
	d.Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Intentional Logout"})
	return nil
}

// InitCount reports how often the handle was initialized.
func (d *Driver) InitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCount
}

// DestroyCount reports how often a running session was torn down.
func (d *Driver) DestroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroys
}

// SentMessages returns every message accepted by the handle.
func (d *Driver) SentMessages() []model.MessagePayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.MessagePayload, len(d.sentMessages))
	copy(out, d.sentMessages)
	return out
}

// SentPolls returns every poll accepted by the handle.
func (d *Driver) SentPolls() []model.PollPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.PollPayload, len(d.sentPolls))
	copy(out, d.sentPolls)
	return out
}

// TypingLog returns the indicator toggles in order, as "<chatID>:on|off".
func (d *Driver) TypingLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.typing))
	copy(out, d.typing)
	return out
}

func (d *Driver) recordMessage(chatID, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentMessages = append(d.sentMessages, model.MessagePayload{ChatID: chatID, Body: body})
}

func (d *Driver) recordPoll(poll model.PollPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentPolls = append(d.sentPolls, poll)
}

func (d *Driver) nextProviderID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("stub-%s-%d", d.InstanceID, len(d.sentMessages)+len(d.sentPolls))
}
