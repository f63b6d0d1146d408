// Package ingest runs agent sessions: the auth handshake, artifact streaming
// and the bookkeeping done when a session ends.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/events"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/metrics"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/protocol"
)

const (
	DefaultName     = "Unknown User"
	DefaultDivision = "Unassigned"

	writeWait = 10 * time.Second
)

type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateStreaming
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Journal keeps an audit trail of sessions and stored artifacts.
type Journal interface {
	SessionOpened(ctx context.Context, sessionID, subjectID, remoteAddr string, at time.Time) error
	SessionClosed(ctx context.Context, sessionID string, at time.Time, reason string) error
	ArtifactStored(ctx context.Context, ref artifact.Ref) error
}

// Settings bound a session's behaviour.
type Settings struct {
	APIKey             string
	AuthTimeout        time.Duration
	IdleTimeout        time.Duration
	MaxMessageBytes    int64
	MaxMalformedFrames int
}

// Deps are the shared components sessions write through. Store and Registry
// are required; the rest may be left nil.
type Deps struct {
	Store    *artifact.Store
	Registry *liveness.Registry
	Journal  Journal
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Now      func() time.Time
}

// Session serves one agent connection. Messages are handled strictly in
// arrival order on the goroutine calling Run.
type Session struct {
	id       string
	conn     Conn
	settings Settings
	deps     Deps
	log      zerolog.Logger

	state       atomic.Int32
	subject     string
	status      liveness.Status
	connectedAt time.Time
	asm         protocol.Assembler
	closeReason string
}

func NewSession(conn Conn, settings Settings, deps Deps) *Session {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	id := uuid.NewString()
	s := &Session{
		id:       id,
		conn:     conn,
		settings: settings,
		deps:     deps,
		log: deps.Log.With().
			Str("session_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		connectedAt: deps.Now(),
	}
	s.state.Store(int32(StateConnected))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Subject returns the authenticated subject id, empty before authentication.
func (s *Session) Subject() string { return s.subject }

// Run drives the session until the connection ends or ctx is cancelled. A
// cancelled ctx closes the connection; artifacts already being written are
// still completed.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.closeConn(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	s.state.Store(int32(StateAuthenticating))
	if !s.authenticate(ctx) {
		s.state.Store(int32(StateRejected))
		s.deps.Metrics.SessionStarted(metrics.OutcomeRejected)
		return
	}
	s.deps.Metrics.SessionStarted(metrics.OutcomeAuthenticated)

	s.state.Store(int32(StateStreaming))
	s.stream(ctx)
	s.finish(ctx)
}

func (s *Session) authenticate(ctx context.Context) bool {
	if err := s.conn.SetReadDeadline(s.deps.Now().Add(s.settings.AuthTimeout)); err != nil {
		s.log.Debug().Err(err).Msg("set auth deadline")
	}
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.reject("Authentication timeout")
		} else if ctx.Err() == nil {
			s.log.Debug().Err(err).Msg("connection lost before authentication")
		}
		return false
	}
	if mt != websocket.TextMessage {
		s.reject("Expected auth message")
		return false
	}

	f, err := protocol.Decode(data)
	if err != nil {
		s.deps.Metrics.ProtocolError(protocolReason(err))
		s.reject("Invalid auth message")
		return false
	}
	auth, ok := f.(protocol.Auth)
	if !ok {
		s.reject("Expected auth message")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(auth.APIKey), []byte(s.settings.APIKey)) != 1 {
		s.reject("Invalid API key")
		return false
	}
	if err := artifact.ValidateName(auth.StaffID); err != nil {
		s.reject("Invalid staff_id")
		return false
	}

	s.subject = auth.StaffID
	s.status = liveness.StatusActive
	s.log = s.log.With().Str("subject", s.subject).Logger()

	name, division := auth.Name, auth.Division
	if name == "" {
		name = DefaultName
	}
	if division == "" {
		division = DefaultDivision
	}

	bg := context.WithoutCancel(ctx)
	if err := s.deps.Registry.Upsert(bg, liveness.Record{
		SubjectID:   s.subject,
		DisplayName: name,
		Group:       division,
		LastSeenAt:  s.deps.Now(),
		Status:      liveness.StatusActive,
	}); err != nil {
		s.deps.Metrics.LivenessFailed()
		s.log.Warn().Err(err).Msg("liveness record not persisted")
	}
	if s.deps.Journal != nil {
		if err := s.deps.Journal.SessionOpened(bg, s.id, s.subject, s.conn.RemoteAddr().String(), s.connectedAt); err != nil {
			s.log.Warn().Err(err).Msg("session log not written")
		}
	}
	s.publishStatus(bg, liveness.StatusActive)

	if err := s.send(protocol.Authenticated()); err != nil {
		s.log.Warn().Err(err).Msg("auth response not sent")
		s.closeReason = "transport error"
		return true
	}
	s.log.Info().Str("name", name).Str("division", division).Msg("agent authenticated")
	return true
}

func (s *Session) reject(msg string) {
	s.log.Warn().Str("reason", msg).Msg("authentication rejected")
	if err := s.send(protocol.Rejected(msg)); err != nil {
		s.log.Debug().Err(err).Msg("rejection not sent")
	}
	s.closeConn(websocket.ClosePolicyViolation, msg)
}

func (s *Session) stream(ctx context.Context) {
	if s.closeReason != "" {
		return
	}
	malformed := 0
	for {
		if err := s.conn.SetReadDeadline(s.deps.Now().Add(s.settings.IdleTimeout)); err != nil {
			s.log.Debug().Err(err).Msg("set idle deadline")
		}
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeReason = closeReason(ctx, err)
			if isTimeout(err) {
				s.closeConn(websocket.CloseNormalClosure, s.closeReason)
			}
			return
		}

		var msg protocol.Message
		switch mt {
		case websocket.TextMessage:
			msg = protocol.Message{Data: data}
		case websocket.BinaryMessage:
			msg = protocol.Message{Binary: true, Data: data}
		default:
			continue
		}

		pair, err := s.asm.OnMessage(msg)
		if err != nil {
			s.deps.Metrics.ProtocolError(protocolReason(err))
			var desync *protocol.DesyncError
			if errors.As(err, &desync) {
				s.log.Warn().Str("dropped", desync.Dropped.CapturedAt).Msg("announce replaced before its payload arrived")
			} else {
				s.log.Warn().Err(err).Msg("protocol error")
			}
			if !errors.Is(err, protocol.ErrMalformed) {
				malformed = 0
				continue
			}
			malformed++
			if s.settings.MaxMalformedFrames > 0 && malformed >= s.settings.MaxMalformedFrames {
				s.closeReason = "too many malformed frames"
				s.closeConn(websocket.CloseProtocolError, s.closeReason)
				return
			}
			continue
		}
		malformed = 0
		if pair != nil {
			s.handle(context.WithoutCancel(ctx), pair)
		}
	}
}

// handle stores one completed artifact and refreshes the subject's liveness.
// Failures are logged and never end the session.
func (s *Session) handle(ctx context.Context, pair *protocol.Pair) {
	ann := pair.Announce
	if ann.SubjectID != "" && ann.SubjectID != s.subject {
		s.log.Warn().Str("declared", ann.SubjectID).Msg("announce names another subject")
	}

	ref, err := s.deps.Store.Put(ctx, s.subject, ann.Kind, ann.CapturedAt, ann.Filename, pair.Payload)
	switch {
	case errors.Is(err, artifact.ErrInvalidName):
		s.deps.Metrics.ProtocolError("invalid_name")
		s.log.Warn().Err(err).Str("captured_at", ann.CapturedAt).Msg("artifact rejected")
	case err != nil:
		s.deps.Metrics.StorageFailed()
		s.log.Error().Err(err).Str("captured_at", ann.CapturedAt).Msg("artifact not stored")
	default:
		s.deps.Metrics.ArtifactStored(string(ref.Kind), ref.Size)
		s.log.Debug().Str("file", ref.Filename).Int64("size", ref.Size).Msg("artifact stored")
		if s.deps.Journal != nil {
			if err := s.deps.Journal.ArtifactStored(ctx, ref); err != nil {
				s.log.Warn().Err(err).Msg("artifact not indexed")
			}
		}
		s.publish(ctx, events.SubjectArtifactStored, events.ArtifactStored{
			SubjectID:  ref.SubjectID,
			Kind:       string(ref.Kind),
			CapturedAt: ref.CapturedAt,
			Filename:   ref.Filename,
			Size:       ref.Size,
			ReceivedAt: s.deps.Now(),
		})
	}

	status := liveness.StatusActive
	if st, ok := liveness.ParseStatus(ann.ActivityStatus); ok {
		status = st
	}
	if err := s.deps.Registry.Upsert(ctx, liveness.Record{
		SubjectID:  s.subject,
		LastSeenAt: s.deps.Now(),
		Status:     status,
	}); err != nil {
		s.deps.Metrics.LivenessFailed()
		s.log.Warn().Err(err).Msg("liveness record not persisted")
	}
	if status != s.status {
		s.status = status
		s.publishStatus(ctx, status)
	}
}

func (s *Session) finish(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	if ann, ok := s.asm.Pending(); ok {
		s.log.Warn().Str("captured_at", ann.CapturedAt).Msg("dropping announce without payload")
	}
	s.asm.Reset()
	s.state.Store(int32(StateClosed))

	if err := s.deps.Registry.MarkInactive(bg, s.subject); err != nil {
		s.deps.Metrics.LivenessFailed()
		s.log.Warn().Err(err).Msg("inactive status not persisted")
	}
	if s.deps.Journal != nil {
		if err := s.deps.Journal.SessionClosed(bg, s.id, s.deps.Now(), s.closeReason); err != nil {
			s.log.Warn().Err(err).Msg("session log not closed")
		}
	}
	s.publishStatus(bg, liveness.StatusInactive)
	s.deps.Metrics.SessionEnded()
	s.log.Info().Str("reason", s.closeReason).Msg("agent disconnected")
}

func (s *Session) publishStatus(ctx context.Context, st liveness.Status) {
	s.publish(ctx, events.SubjectStatusChanged, events.StatusChanged{
		SubjectID: s.subject,
		Status:    string(st),
		At:        s.deps.Now(),
	})
}

func (s *Session) publish(ctx context.Context, subj string, v any) {
	if err := s.deps.Events.Publish(ctx, subj, v); err != nil {
		s.log.Debug().Err(err).Str("event", subj).Msg("event not published")
	}
}

func (s *Session) send(resp protocol.AuthResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeConn sends a close frame and closes the connection, which unblocks a
// pending read. Safe to call from another goroutine.
func (s *Session) closeConn(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.log.Debug().Err(err).Msg("close frame not sent")
	}
	s.conn.Close()
}

func closeReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "server shutdown"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "peer closed"
	case isTimeout(err):
		return "idle timeout"
	case errors.Is(err, websocket.ErrReadLimit):
		return "message too large"
	default:
		return "transport error"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func protocolReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrDesync):
		return "desync"
	case errors.Is(err, protocol.ErrOrphanPayload):
		return "orphan_payload"
	case errors.Is(err, protocol.ErrUnknownFrame):
		return "unknown_frame"
	case errors.Is(err, protocol.ErrUnexpectedFrame):
		return "unexpected_frame"
	default:
		return "malformed"
	}
}
