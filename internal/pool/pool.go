package pool

import (
	"context"
	"fmt"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Transport is one bidirectional connection to a venue endpoint. The
// pool owns its transports; activity transitions come back through the
// owner's event loop as OnActivated/OnDeactivated/OnStreamReset calls.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(graceful bool) error
	IsActive() bool
	Send(payload []byte, corrID uint64) (sentTs int64, err error)
}

// memberState tracks where a session sits in its lifecycle.
type memberState uint8

const (
	stateNotActive memberState = iota
	stateStarting
	stateActive
	stateStopping
)

func (s memberState) String() string {
	switch s {
	case stateNotActive:
		return "not-active"
	case stateStarting:
		return "starting"
	case stateActive:
		return "active"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type member struct {
	transport Transport
	state     memberState
	sentCount uint64

	// session-local correlation ids to request ids, for matching
	// asynchronous responses back to the ledger.
	corr map[uint64]uint64
}

// Config sizes and tunes the pool.
type Config struct {
	// MaxSessionRequests rotates a session out for a restart after it
	// has carried this many requests. Zero disables rotation restarts.
	MaxSessionRequests uint64
}

// Pool maintains the transport sessions for one venue account,
// partitioned into active and not-active sets with round-robin
// selection over the active set. All methods must be called from the
// owning event loop; the pool holds no locks.
type Pool struct {
	cfg     Config
	members []*member
	byName  map[string]*member

	active    []*member
	notActive []*member
	rr        int

	// control is the dual-leg control-plane session, tracked outside
	// the data partition and never selected for order traffic.
	control *member

	restartSuppressed bool
	pendingRestart    []*member
	stopped           bool

	startCtx context.Context
}

// New builds a pool over the given data sessions and an optional
// control-plane leg (nil when the venue has none).
func New(cfg Config, sessions []Transport, control Transport) *Pool {
	p := &Pool{
		cfg:    cfg,
		byName: make(map[string]*member, len(sessions)+1),
	}
	for _, t := range sessions {
		m := &member{transport: t, corr: make(map[uint64]uint64)}
		p.members = append(p.members, m)
		p.notActive = append(p.notActive, m)
		p.byName[t.Name()] = m
	}
	if control != nil {
		p.control = &member{transport: control, corr: make(map[uint64]uint64)}
		p.byName[control.Name()] = p.control
	}
	p.checkIntegrity("new")
	return p
}

// Start asks every not-active session to connect. Sessions stay in the
// not-active set until they actually report Active. Starting an already
// starting session is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startCtx = ctx
	p.stopped = false
	for _, m := range p.notActive {
		p.startMember(m)
	}
	if p.control != nil && p.control.state == stateNotActive {
		p.startMember(p.control)
	}
}

func (p *Pool) startMember(m *member) {
	if m.state != stateNotActive {
		return
	}
	m.state = stateStarting
	ctx := p.startCtx
	if ctx == nil {
		ctx = context.Background()
	}
	t := m.transport
	go func() {
		if err := t.Start(ctx); err != nil {
			logs.Errorf("session %s start failed, err: %+v", t.Name(), err)
		}
	}()
}

// MoveToActive moves a session from the not-active to the active set.
// It fails when the session is unknown or already active.
func (p *Pool) MoveToActive(name string) error {
	m, ok := p.byName[name]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "name: %s", name)
	}
	if m == p.control {
		m.state = stateActive
		return nil
	}
	if p.indexOf(p.active, m) >= 0 {
		return errors.Wrapf(ErrBadTransition, "session %s is already active", name)
	}
	i := p.indexOf(p.notActive, m)
	if i < 0 {
		return errors.Wrapf(ErrBadTransition, "session %s is in neither set", name)
	}
	p.notActive = append(p.notActive[:i], p.notActive[i+1:]...)
	p.active = append(p.active, m)
	m.state = stateActive
	p.checkIntegrity("move-to-active")
	return nil
}

// MoveToNotActive moves a session from the active to the not-active set.
func (p *Pool) MoveToNotActive(name string) error {
	m, ok := p.byName[name]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "name: %s", name)
	}
	if m == p.control {
		m.state = stateNotActive
		return nil
	}
	if p.indexOf(p.notActive, m) >= 0 {
		return errors.Wrapf(ErrBadTransition, "session %s is already not-active", name)
	}
	i := p.indexOf(p.active, m)
	if i < 0 {
		return errors.Wrapf(ErrBadTransition, "session %s is in neither set", name)
	}
	p.active = append(p.active[:i], p.active[i+1:]...)
	p.notActive = append(p.notActive, m)
	m.state = stateNotActive
	if p.rr >= len(p.active) {
		p.rr = 0
	}
	p.checkIntegrity("move-to-not-active")
	return nil
}

// RotateCurrent advances the round-robin index over the active set.
func (p *Pool) RotateCurrent() {
	if len(p.active) == 0 {
		p.rr = 0
		return
	}
	p.rr = (p.rr + 1) % len(p.active)
}

// Current returns the session outbound traffic goes to, or "" when the
// active set is empty.
func (p *Pool) Current() string {
	if len(p.active) == 0 {
		return ""
	}
	return p.active[p.rr].transport.Name()
}

// Active reports the composite pool condition: at least one data
// session active, and the control leg active too when one exists.
func (p *Pool) Active() bool {
	if len(p.active) == 0 {
		return false
	}
	if p.control != nil && p.control.state != stateActive {
		return false
	}
	return true
}

// Send transmits a payload on the current session, records the
// correlation id against the request, and rotates. A session that has
// carried its configured share of requests is scheduled for a restart.
func (p *Pool) Send(payload []byte, corrID, reqID uint64) (session string, sentTs int64, err error) {
	if p.stopped {
		return "", 0, ErrPoolStopped
	}
	if len(p.active) == 0 {
		return "", 0, ErrPoolUnavailable
	}
	m := p.active[p.rr]
	sentTs, err = m.transport.Send(payload, corrID)
	if err != nil {
		return m.transport.Name(), 0, errors.Wrapf(err, "send on session %s", m.transport.Name())
	}
	m.sentCount++
	m.corr[corrID] = reqID
	name := m.transport.Name()
	p.RotateCurrent()

	if p.cfg.MaxSessionRequests > 0 && m.sentCount >= p.cfg.MaxSessionRequests {
		p.scheduleRestart(m, "session request budget spent")
	}
	return name, sentTs, nil
}

// Resolve maps a session-local correlation id back to a request id.
func (p *Pool) Resolve(session string, corrID uint64) (uint64, bool) {
	m, ok := p.byName[session]
	if !ok {
		return 0, false
	}
	reqID, ok := m.corr[corrID]
	return reqID, ok
}

// Release drops a correlation entry once its request is terminal.
func (p *Pool) Release(session string, corrID uint64) {
	if m, ok := p.byName[session]; ok {
		delete(m.corr, corrID)
	}
}

// StopAll stops every session. Graceful stop signals each session and
// lets it drain; the sets mutate later as OnDeactivated callbacks
// arrive. Forced stop disconnects synchronously and resets the pool.
func (p *Pool) StopAll(graceful bool) {
	p.stopped = true
	if graceful {
		for _, m := range p.members {
			if m.state == stateActive || m.state == stateStarting {
				m.state = stateStopping
				if err := m.transport.Stop(true); err != nil {
					logs.Errorf("session %s graceful stop, err: %+v", m.transport.Name(), err)
				}
			}
		}
		if p.control != nil && p.control.state == stateActive {
			p.control.state = stateStopping
			_ = p.control.transport.Stop(true)
		}
		return
	}

	for _, m := range p.members {
		if err := m.transport.Stop(false); err != nil {
			logs.Errorf("session %s forced stop, err: %+v", m.transport.Name(), err)
		}
		m.state = stateNotActive
		m.sentCount = 0
	}
	if p.control != nil {
		_ = p.control.transport.Stop(false)
		p.control.state = stateNotActive
	}
	p.active = p.active[:0]
	p.notActive = p.notActive[:0]
	p.notActive = append(p.notActive, p.members...)
	p.rr = 0
	p.checkIntegrity("stop-all")
}

// OnActivated handles a session's transition to Active.
func (p *Pool) OnActivated(name string) {
	m, ok := p.byName[name]
	if !ok {
		logs.Infof("activation for unknown session %s ignored", name)
		return
	}
	if m.state == stateActive {
		return
	}
	m.sentCount = 0
	if err := p.MoveToActive(name); err != nil {
		logs.Errorf("session %s activation, err: %+v", name, err)
	}
}

// OnDeactivated handles a session's transition away from Active.
func (p *Pool) OnDeactivated(name, reason string) {
	m, ok := p.byName[name]
	if !ok {
		logs.Infof("deactivation for unknown session %s ignored", name)
		return
	}
	logs.Infof("session %s deactivated, reason: %s", name, reason)
	if m == p.control {
		m.state = stateNotActive
		p.restartOrDefer(m)
		return
	}
	if p.indexOf(p.active, m) >= 0 {
		if err := p.MoveToNotActive(name); err != nil {
			logs.Errorf("session %s deactivation, err: %+v", name, err)
		}
	} else {
		m.state = stateNotActive
	}
	p.restartOrDefer(m)
}

func (p *Pool) restartOrDefer(m *member) {
	if p.stopped {
		return
	}
	if p.restartSuppressed {
		p.deferRestart(m)
		return
	}
	p.startMember(m)
}

// OnStreamReset handles a wire-level stream error: the session leaves
// the active set and restarts in the background while in-flight
// requests on other sessions continue undisturbed.
func (p *Pool) OnStreamReset(name string, errorCode int) {
	m, ok := p.byName[name]
	if !ok {
		return
	}
	logs.Infof("session %s stream reset, code: %d", name, errorCode)
	if p.indexOf(p.active, m) >= 0 {
		if err := p.MoveToNotActive(name); err != nil {
			logs.Errorf("session %s stream reset, err: %+v", name, err)
			return
		}
	}
	p.scheduleRestart(m, "stream reset")
}

// SetRestartSuppressed blocks automatic session restarts. A mass cancel
// takes priority over pending restarts, so the risk manager suppresses
// them for its duration; restarts requested meanwhile are deferred and
// run once suppression lifts.
func (p *Pool) SetRestartSuppressed(suppressed bool) {
	p.restartSuppressed = suppressed
	if suppressed {
		return
	}
	pending := p.pendingRestart
	p.pendingRestart = nil
	for _, m := range pending {
		if p.stopped {
			return
		}
		if m.state == stateNotActive {
			p.startMember(m)
			continue
		}
		p.scheduleRestart(m, "resumed after suppression")
	}
}

func (p *Pool) deferRestart(m *member) {
	if p.indexOf(p.pendingRestart, m) >= 0 {
		return
	}
	p.pendingRestart = append(p.pendingRestart, m)
}

func (p *Pool) scheduleRestart(m *member, why string) {
	if p.stopped {
		return
	}
	if p.restartSuppressed {
		logs.Infof("restart of session %s deferred (%s)", m.transport.Name(), why)
		p.deferRestart(m)
		return
	}
	logs.Infof("restarting session %s (%s)", m.transport.Name(), why)
	if m.state == stateActive {
		if err := p.MoveToNotActive(m.transport.Name()); err != nil {
			logs.Errorf("restart of session %s, err: %+v", m.transport.Name(), err)
			return
		}
	}
	m.state = stateStopping
	if err := m.transport.Stop(true); err != nil {
		logs.Errorf("restart stop of session %s, err: %+v", m.transport.Name(), err)
	}
	m.state = stateNotActive
	m.sentCount = 0
	p.startMember(m)
}

func (p *Pool) indexOf(set []*member, m *member) int {
	for i, x := range set {
		if x == m {
			return i
		}
	}
	return -1
}

// checkIntegrity validates the partition invariant after every mutating
// operation. A violation means duplicate submission is possible, so it
// is fatal.
func (p *Pool) checkIntegrity(op string) {
	if len(p.active)+len(p.notActive) != len(p.members) {
		panic(fmt.Sprintf("pool partition broken after %s: %d active + %d not-active != %d sessions",
			op, len(p.active), len(p.notActive), len(p.members)))
	}
	for _, a := range p.active {
		if p.indexOf(p.notActive, a) >= 0 {
			panic(fmt.Sprintf("pool partition broken after %s: session %s in both sets",
				op, a.transport.Name()))
		}
	}
}
