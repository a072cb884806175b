package coordinator

import (
	"log"
	"time"

	"github.com/youming-ai/parsify-realtime/internal/types"
)

// defaultSessionTTL is how far expiry is pushed out every time a
// session is touched.
const defaultSessionTTL = 24 * time.Hour

type sessionCommand interface {
	apply(sa *SessionActor)
}

type attachCmd struct {
	client *Client
	resp   chan error
}

type detachCmd struct {
	client *Client
	done   chan struct{}
}

type snapshotCmd struct {
	resp chan types.Session
}

type updateSessionCmd struct {
	requestingUserId string
	data             map[string]any
	persistent       *bool
	resp             chan sessionUpdateResult
}

type sessionUpdateResult struct {
	session types.Session
	err     error
}

type deleteSessionCmd struct {
	requestingUserId string
	resp             chan error
}

type broadcastCmd struct {
	frame *ServerFrame
	skip  *Client
}

type expireCmd struct {
	now  time.Time
	resp chan bool
}

// SessionActor is the single writer for one session id. Every mutation
// arrives as a command on the inbound channel and is processed strictly
// in order, reproducing the actor-per-key serialization the design
// depends on without any locking of session state.
type SessionActor struct {
	co      *Coordinator
	log     *log.Logger
	state   types.Session
	clients map[string]*Client

	inbound chan sessionCommand
	stop    chan struct{}
	done    chan struct{}
}

func newSessionActor(state types.Session, co *Coordinator) *SessionActor {
	return &SessionActor{
		co:      co,
		log:     co.log,
		state:   state,
		clients: make(map[string]*Client),
		inbound: make(chan sessionCommand, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (sa *SessionActor) Id() string { return sa.state.Id }

func (sa *SessionActor) run() {
	for {
		select {
		case cmd := <-sa.inbound:
			cmd.apply(sa)
			select {
			case <-sa.done:
				return
			default:
			}
		case <-sa.stop:
			sa.exit(false)
			return
		}
	}
}

// exit tears the actor down; record reports the session lifetime to the
// coordinator's duration metrics.
func (sa *SessionActor) exit(record bool) {
	select {
	case <-sa.done:
		return
	default:
	}

	close(sa.done)
	if record {
		sa.co.requestSessionRemoval(sa.state.Id, time.Since(sa.state.CreatedAt))
	}
}

func (sa *SessionActor) send(cmd sessionCommand) bool {
	select {
	case sa.inbound <- cmd:
		return true
	case <-sa.done:
		return false
	}
}

// Attach binds a connection to the session, extending its expiry.
func (sa *SessionActor) Attach(c *Client) error {
	resp := make(chan error, 1)
	if !sa.send(&attachCmd{client: c, resp: resp}) {
		return ErrSessionNotFound
	}
	select {
	case err := <-resp:
		return err
	case <-sa.done:
		return ErrSessionNotFound
	}
}

func (cmd *attachCmd) apply(sa *SessionActor) {
	c := cmd.client

	candidate := sa.state
	candidate.ConnectionIds = append(append([]string(nil), sa.state.ConnectionIds...), c.id)
	candidate.LastAccessedAt = Now()
	candidate.ExpiresAt = Now().Add(defaultSessionTTL)
	candidate.Collaboration.ActiveCount = len(sa.clients) + 1

	if err := sa.co.persistSession(candidate); err != nil {
		cmd.resp <- err
		return
	}

	sa.state = candidate
	sa.clients[c.id] = c
	cmd.resp <- nil
}

// Detach removes a connection. A session left with no connections and
// no persistent flag is deleted immediately, without waiting for the
// cleanup pass.
func (sa *SessionActor) Detach(c *Client) {
	done := make(chan struct{})
	if !sa.send(&detachCmd{client: c, done: done}) {
		return
	}
	select {
	case <-done:
	case <-sa.done:
	}
}

func (cmd *detachCmd) apply(sa *SessionActor) {
	defer close(cmd.done)

	c := cmd.client
	if _, ok := sa.clients[c.id]; !ok {
		return
	}
	delete(sa.clients, c.id)

	ids := make([]string, 0, len(sa.state.ConnectionIds))
	for _, id := range sa.state.ConnectionIds {
		if id != c.id {
			ids = append(ids, id)
		}
	}
	sa.state.ConnectionIds = ids
	sa.state.LastAccessedAt = Now()
	sa.state.Collaboration.ActiveCount = len(sa.clients)

	if len(sa.clients) == 0 && !sa.state.Persistent {
		sa.co.deleteSessionMirror(sa.state.Id)
		sa.co.requestSessionRemoval(sa.state.Id, time.Since(sa.state.CreatedAt))
		sa.exit(false)
		return
	}

	if err := sa.co.persistSession(sa.state); err != nil {
		sa.log.Printf("persist session %q on detach: %v", sa.state.Id, err)
	}
}

// Snapshot returns a copy of the session state.
func (sa *SessionActor) Snapshot() (types.Session, bool) {
	resp := make(chan types.Session, 1)
	if !sa.send(&snapshotCmd{resp: resp}) {
		return types.Session{}, false
	}
	select {
	case s := <-resp:
		return s, true
	case <-sa.done:
		return types.Session{}, false
	}
}

func (cmd *snapshotCmd) apply(sa *SessionActor) {
	snap := sa.state
	snap.ConnectionIds = append([]string(nil), sa.state.ConnectionIds...)
	snap.Data = cloneData(sa.state.Data)
	cmd.resp <- snap
}

// Update merges data into the session, enforcing ownership when an
// owner is set.
func (sa *SessionActor) Update(requestingUserId string, data map[string]any, persistent *bool) (types.Session, error) {
	resp := make(chan sessionUpdateResult, 1)
	if !sa.send(&updateSessionCmd{requestingUserId: requestingUserId, data: data, persistent: persistent, resp: resp}) {
		return types.Session{}, ErrSessionNotFound
	}
	select {
	case res := <-resp:
		return res.session, res.err
	case <-sa.done:
		return types.Session{}, ErrSessionNotFound
	}
}

func (cmd *updateSessionCmd) apply(sa *SessionActor) {
	if sa.state.OwnerUserId != "" && cmd.requestingUserId != sa.state.OwnerUserId {
		cmd.resp <- sessionUpdateResult{err: ErrUnauthorized}
		return
	}

	candidate := sa.state
	candidate.Data = cloneData(sa.state.Data)
	for k, v := range cmd.data {
		candidate.Data[k] = v
	}
	if cmd.persistent != nil {
		candidate.Persistent = *cmd.persistent
	}
	candidate.LastAccessedAt = Now()
	candidate.ExpiresAt = Now().Add(defaultSessionTTL)

	if err := sa.co.persistSession(candidate); err != nil {
		cmd.resp <- sessionUpdateResult{err: err}
		return
	}

	sa.state = candidate
	cmd.resp <- sessionUpdateResult{session: candidate}
}

// Delete removes the session, force-closing any live connections.
func (sa *SessionActor) Delete(requestingUserId string) error {
	resp := make(chan error, 1)
	if !sa.send(&deleteSessionCmd{requestingUserId: requestingUserId, resp: resp}) {
		return ErrSessionNotFound
	}
	select {
	case err := <-resp:
		return err
	case <-sa.done:
		return nil
	}
}

func (cmd *deleteSessionCmd) apply(sa *SessionActor) {
	if sa.state.OwnerUserId != "" && cmd.requestingUserId != sa.state.OwnerUserId {
		cmd.resp <- ErrUnauthorized
		return
	}

	sa.co.deleteSessionMirror(sa.state.Id)
	for _, c := range sa.clients {
		c.forceClose(CloseForceDisconnect, "session deleted")
	}
	cmd.resp <- nil
	sa.exit(true)
}

// Broadcast delivers a frame to every connection of the session except
// skip, best effort.
func (sa *SessionActor) Broadcast(frame *ServerFrame, skip *Client) {
	sa.send(&broadcastCmd{frame: frame, skip: skip})
}

func (cmd *broadcastCmd) apply(sa *SessionActor) {
	for _, c := range sa.clients {
		if c == cmd.skip {
			continue
		}
		c.queueFrame(cmd.frame)
	}
}

// ExpireIfDue deletes the session when now is past its expiry,
// reporting whether it did.
func (sa *SessionActor) ExpireIfDue(now time.Time) bool {
	resp := make(chan bool, 1)
	if !sa.send(&expireCmd{now: now, resp: resp}) {
		return false
	}
	select {
	case expired := <-resp:
		return expired
	case <-sa.done:
		return false
	}
}

func (cmd *expireCmd) apply(sa *SessionActor) {
	if !sa.state.Expired(cmd.now) {
		cmd.resp <- false
		return
	}

	sa.co.deleteSessionMirror(sa.state.Id)
	for _, c := range sa.clients {
		c.forceClose(CloseForceDisconnect, "session expired")
	}
	cmd.resp <- true
	sa.exit(true)
}
