package preview

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gfmlive/internal/contracts"
)

// ErrBroadcasterClosed is returned by Register after Close.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

const defaultWriteTimeout = 5 * time.Second

// SessionState tracks the viewer session lifecycle. Closed is
// terminal; a reconnecting browser gets a brand-new session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

// sessionConn is the transport surface a session needs. Satisfied by
// *websocket.Conn; tests substitute fakes.
type sessionConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ViewerSession is one connected browser receiving live updates.
// Owned exclusively by the broadcaster's run loop.
type ViewerSession struct {
	ID              uint64
	ConnectedAt     time.Time
	LastSentVersion uint64

	conn  sessionConn
	state SessionState
}

type registration struct {
	conn  sessionConn
	reply chan uint64
}

type delivery struct {
	artifact Artifact
	notice   string
	done     chan struct{}
}

// Broadcaster tracks connected viewer sessions and pushes every new
// artifact to all of them. All session state lives on a single run
// goroutine; registration, removal, and fan-out are serialized through
// channels, so no artifact is ever delivered out of version order.
type Broadcaster struct {
	logger       *slog.Logger
	writeTimeout time.Duration

	register   chan registration
	unregister chan uint64
	artifacts  chan delivery
	notices    chan delivery
	stopLoop   chan struct{}
	loopDone   chan struct{}

	closeOnce sync.Once
	nextID    uint64
	count     atomic.Int64
}

// NewBroadcaster starts the run loop. writeTimeout bounds every push
// to a single viewer; a non-positive value selects the default.
func NewBroadcaster(logger *slog.Logger, writeTimeout time.Duration) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	b := &Broadcaster{
		logger:       logger.With("component", "broadcaster"),
		writeTimeout: writeTimeout,
		register:     make(chan registration),
		unregister:   make(chan uint64),
		artifacts:    make(chan delivery),
		notices:      make(chan delivery),
		stopLoop:     make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	go b.runLoop()
	return b
}

// Register adds a viewer connection, pushing it the current artifact
// (if any) before returning. The returned id identifies the session
// for Unregister.
func (b *Broadcaster) Register(conn sessionConn) (uint64, error) {
	reg := registration{conn: conn, reply: make(chan uint64)}
	select {
	case b.register <- reg:
		return <-reg.reply, nil
	case <-b.stopLoop:
		return 0, ErrBroadcasterClosed
	}
}

// Unregister removes a session. Idempotent; unknown ids are ignored.
func (b *Broadcaster) Unregister(id uint64) {
	select {
	case b.unregister <- id:
	case <-b.stopLoop:
	}
}

// OnNewArtifact pushes the artifact to every registered session and
// returns only after fan-out has completed, so the broadcaster is
// never behind the render cache when a publish returns.
func (b *Broadcaster) OnNewArtifact(artifact Artifact) {
	d := delivery{artifact: artifact, done: make(chan struct{})}
	select {
	case b.artifacts <- d:
		<-d.done
	case <-b.stopLoop:
	}
}

// BroadcastNotice sends a render-failure notice to every session
// without minting a new artifact version.
func (b *Broadcaster) BroadcastNotice(message string) {
	d := delivery{notice: message, done: make(chan struct{})}
	select {
	case b.notices <- d:
		<-d.done
	case <-b.stopLoop:
	}
}

// SessionCount reports the number of active viewer sessions.
func (b *Broadcaster) SessionCount() int {
	return int(b.count.Load())
}

// Close tears down every session and stops the run loop.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.stopLoop)
		<-b.loopDone
	})
}

// runLoop owns the session map. Everything that touches it happens
// here, one operation at a time.
func (b *Broadcaster) runLoop() {
	defer close(b.loopDone)

	sessions := make(map[uint64]*ViewerSession)
	var current Artifact
	haveArtifact := false

	for {
		select {
		case reg := <-b.register:
			b.nextID++
			session := &ViewerSession{
				ID:          b.nextID,
				ConnectedAt: time.Now(),
				conn:        reg.conn,
				state:       StateConnecting,
			}

			if haveArtifact {
				if !b.push(session, current) {
					reg.reply <- session.ID
					continue
				}
			}
			session.state = StateActive
			sessions[session.ID] = session
			b.count.Store(int64(len(sessions)))
			b.logger.Debug("viewer connected", "session", session.ID, "viewers", len(sessions))
			reg.reply <- session.ID

		case id := <-b.unregister:
			if session, ok := sessions[id]; ok {
				b.drop(sessions, session)
			}

		case d := <-b.artifacts:
			current = d.artifact
			haveArtifact = true
			for _, session := range sessions {
				if !b.push(session, d.artifact) {
					b.drop(sessions, session)
				}
			}
			close(d.done)

		case d := <-b.notices:
			notice := contracts.ErrorMessage{
				Type:    contracts.MessageTypeError,
				Message: d.notice,
			}
			for _, session := range sessions {
				_ = session.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
				if err := session.conn.WriteJSON(notice); err != nil {
					b.drop(sessions, session)
				}
			}
			close(d.done)

		case <-b.stopLoop:
			for _, session := range sessions {
				b.drop(sessions, session)
			}
			return
		}
	}
}

// push writes one artifact to one session and reports whether the
// transport is still usable. The write deadline keeps a viewer that
// has stopped reading from stalling delivery to everyone else: its
// write times out and it is dropped like any other push failure.
func (b *Broadcaster) push(session *ViewerSession, artifact Artifact) bool {
	_ = session.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	err := session.conn.WriteJSON(contracts.RenderMessage{
		Type:    contracts.MessageTypeRender,
		Version: artifact.Version,
		HTML:    artifact.HTML,
	})
	if err != nil {
		b.logger.Debug("push failed", "session", session.ID, "version", artifact.Version, "error", err)
		session.state = StateClosed
		_ = session.conn.Close()
		return false
	}
	session.LastSentVersion = artifact.Version
	return true
}

func (b *Broadcaster) drop(sessions map[uint64]*ViewerSession, session *ViewerSession) {
	if session.state != StateClosed {
		session.state = StateClosed
		_ = session.conn.Close()
	}
	delete(sessions, session.ID)
	b.count.Store(int64(len(sessions)))
	b.logger.Debug("viewer disconnected", "session", session.ID, "viewers", len(sessions))
}
