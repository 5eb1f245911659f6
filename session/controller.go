// Package session runs the live avatar session for one client: it creates
// the remote session, counts it down, accepts extensions and tears every
// resource down on each exit path.
//
// All state is owned by a single goroutine (Run). Public methods and the
// completions of asynchronous provider calls reach it as messages, so timer
// ticks and network results never race on shared fields.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/avatarkey/media"
	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/room"
	"github.com/jmcleod/avatarkey/vault"
	"github.com/jmcleod/avatarkey/watchdog"
)

// Deps are the collaborators a Controller needs.
type Deps struct {
	Credentials CredentialSource
	Providers   ProviderFactory
	Rooms       RoomConnector
	Clock       clockwork.Clock
	Logger      *slog.Logger
	// Observer, if set, receives lifecycle events. It runs on the controller
	// goroutine and must not block.
	Observer func(Event)
}

// Controller is the state machine for one client.
type Controller struct {
	clientID string
	cfg      Config
	deps     Deps
	clock    clockwork.Clock
	logger   *slog.Logger
	hub      *Hub

	cmds   chan func()
	events chan any
	quit   chan struct{}
	done   chan struct{}
	runCtx context.Context

	snapMu     sync.RWMutex
	snap       Snapshot
	quietSince time.Time

	// postMu guards stopped. Once stopped is set no event can enter the
	// queue, so whatever is buffered at that point is all that is left.
	postMu  sync.RWMutex
	stopped bool

	// Owned by the Run goroutine.
	state       State
	gen         uint64
	sess        *active
	tearingDown bool
	readyAt     time.Time
	endReason   string
}

// active holds the resources of the current session attempt.
type active struct {
	gen       uint64
	req       StartRequest
	prov      Provider
	info      provider.SessionInfo
	room      Room
	sink      *media.Sink
	recorder  *media.Recorder
	idle      *watchdog.Watchdog
	deadline  *watchdog.Deadline
	ticker    clockwork.Ticker
	startedAt time.Time

	seconds    int
	extensions int
	extending  bool

	startReply    chan error
	extendReplies []chan error
	stopReplies   []chan error
	stopPending   bool
}

type connectDone struct {
	gen  uint64
	prov Provider
	info provider.SessionInfo
	room Room
	err  error
}

type extendDone struct {
	gen uint64
	err error
}

type teardownDone struct {
	gen uint64
}

type roomDisconnected struct {
	gen uint64
	err error
}

type trackChanged struct {
	gen        uint64
	track      room.Track
	subscribed bool
}

type idleTimeout struct {
	gen uint64
}

// New returns a controller for clientID. Call Run to start it.
func New(clientID string, cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Controller{
		clientID: clientID,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("client_id", clientID)),
		hub:      NewHub(),
		cmds:     make(chan func()),
		events:   make(chan any, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
		runCtx:   context.Background(),
	}
	c.snap = Snapshot{ClientID: clientID, State: StateIdle}
	c.quietSince = c.clock.Now()
	return c
}

// ClientID returns the client this controller serves.
func (c *Controller) ClientID() string { return c.clientID }

// Done is closed after Run has returned and the last session is torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// QuietSince reports when the controller last settled with no session. ok
// is false while a session is connecting, live or being torn down.
func (c *Controller) QuietSince() (since time.Time, ok bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.quietSince, !c.quietSince.IsZero()
}

// Subscribe streams snapshots. The current snapshot is delivered first.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch, cancel := c.hub.Subscribe()
	c.hub.Publish(c.Snapshot())
	return ch, cancel
}

// Run processes commands and events until ctx is cancelled, then tears down
// any live session.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	defer close(c.done)

	for {
		var tick <-chan time.Time
		if c.sess != nil && c.sess.ticker != nil && c.state.Live() {
			tick = c.sess.ticker.Chan()
		}
		select {
		case <-ctx.Done():
			c.stop()
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-tick:
			c.handleTick()
		}
	}
}

func (c *Controller) submit(ctx context.Context, fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		// The final teardown may have answered just before done closed.
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an event from a background goroutine. It reports false if
// the controller has stopped, in which case the event was not queued.
func (c *Controller) post(ev any) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// Start creates a remote session for req.AvatarID and joins its media room.
// It returns once the session is Connected or the attempt failed.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	creds, err := c.deps.Credentials.Fetch(ctx, req.AvatarID)
	if errors.Is(err, vault.ErrNotFound) || (err == nil && creds.APIKey == "") {
		return c.Snapshot(), ErrNoCredentials
	}
	if err != nil {
		return c.Snapshot(), fmt.Errorf("loading credentials: %w", err)
	}

	reply := make(chan error, 1)
	if err := c.submit(ctx, func() { c.handleStart(req, creds, reply) }); err != nil {
		return c.Snapshot(), err
	}
	err = c.wait(ctx, reply)
	return c.Snapshot(), err
}

func (c *Controller) handleStart(req StartRequest, creds vault.Credentials, reply chan error) {
	switch {
	case c.tearingDown:
		reply <- ErrCoolingDown
		return
	case c.sess != nil:
		reply <- ErrAlreadyActive
		return
	case c.clock.Now().Before(c.readyAt):
		reply <- ErrCoolingDown
		return
	}

	c.gen++
	s := &active{
		gen:        c.gen,
		req:        req,
		prov:       c.deps.Providers(creds.APIKey, c.clientID),
		sink:       media.NewSink(),
		recorder:   media.NewRecorder(c.cfg.MaxAudioBytes),
		idle:       watchdog.New(c.clock),
		startReply: reply,
	}
	c.sess = s
	c.state = StateConnecting
	c.endReason = ""
	c.publish()

	newReq := provider.NewSessionRequest{
		AvatarID:        creds.ExternalAvatarID,
		VoiceID:         creds.VoiceID,
		KnowledgeBaseID: creds.ContextID,
		Language:        req.Language,
		Backstory:       req.Backstory,
		DurationMinutes: c.cfg.durationMinutes(),
	}
	go c.connect(s.gen, s.prov, newReq)
}

func (c *Controller) connect(gen uint64, prov Provider, req provider.NewSessionRequest) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.CallTimeout)
	defer cancel()

	res := connectDone{gen: gen, prov: prov}
	res.info, res.err = prov.NewSession(ctx, req)
	if res.err == nil {
		res.room, res.err = c.deps.Rooms.Connect(ctx, res.info.RoomURL, res.info.AccessToken, c.clientID, c.roomHandler(gen))
	}
	if !c.post(res) {
		// Controller is gone; nobody else will release these.
		cleanup := &active{prov: prov, info: res.info, room: res.room}
		c.runTeardown(cleanup)
	}
}

func (c *Controller) roomHandler(gen uint64) room.Handler {
	return room.Handler{
		OnTrackSubscribed: func(t room.Track) {
			c.post(trackChanged{gen: gen, track: t, subscribed: true})
		},
		OnTrackUnsubscribed: func(t room.Track) {
			c.post(trackChanged{gen: gen, track: t})
		},
		OnDisconnected: func(err error) {
			c.post(roomDisconnected{gen: gen, err: err})
		},
	}
}

func (c *Controller) handleEvent(ev any) {
	switch ev := ev.(type) {
	case connectDone:
		c.handleConnectDone(ev)
	case extendDone:
		c.handleExtendDone(ev)
	case teardownDone:
		c.handleTeardownDone(ev)
	case roomDisconnected:
		if c.current(ev.gen) && c.state.Live() {
			c.logger.Info("media room disconnected", slog.Any("error", ev.err))
			c.end(ReasonRoomDisconnected)
		}
	case trackChanged:
		if !c.current(ev.gen) || c.tearingDown {
			return
		}
		if ev.subscribed {
			c.sess.sink.Attach(ev.track)
		} else {
			c.sess.sink.Detach(ev.track.ID)
		}
		c.publish()
	case idleTimeout:
		if c.current(ev.gen) && c.state.Live() {
			c.end(ReasonIdle)
		}
	}
}

func (c *Controller) current(gen uint64) bool {
	return c.sess != nil && c.sess.gen == gen
}

func (c *Controller) handleConnectDone(ev connectDone) {
	if !c.current(ev.gen) || c.state != StateConnecting {
		return
	}
	s := c.sess
	s.info = ev.info
	s.room = ev.room

	if s.stopPending {
		c.replyStart(ErrStopped)
		c.state = StateEnded
		c.endReason = ReasonStopped
		c.beginTeardown()
		return
	}

	if ev.err != nil {
		c.logger.Warn("session connect failed", slog.Any("error", ev.err))
		c.replyStart(providerError(ev.err))
		c.state = StateIdle
		if s.info.SessionID != "" || s.room != nil {
			// The provider session exists but the room did not join.
			c.beginTeardown()
			return
		}
		c.sess = nil
		c.publish()
		return
	}

	s.startedAt = c.clock.Now()
	s.deadline = watchdog.NewDeadline(c.clock, c.cfg.Duration, c.cfg.WarnThreshold)
	s.seconds = s.deadline.SecondsRemaining()
	s.ticker = c.clock.NewTicker(c.cfg.TickInterval)
	if c.cfg.IdleTimeout > 0 {
		gen := s.gen
		s.idle.Arm(c.cfg.IdleTimeout, func() { c.post(idleTimeout{gen: gen}) })
	}
	c.state = StateConnected
	c.publish()
	c.notify(EventStarted, "")
	c.replyStart(nil)
}

func (c *Controller) replyStart(err error) {
	if c.sess.startReply != nil {
		c.sess.startReply <- err
		c.sess.startReply = nil
	}
}

func (c *Controller) handleTick() {
	s := c.sess
	if s == nil || s.deadline == nil || !c.state.Live() {
		return
	}
	s.seconds = s.deadline.SecondsRemaining()
	if s.deadline.Expired() {
		c.end(ReasonTimeout)
		return
	}
	if c.state == StateConnected && s.deadline.Warning() {
		c.state = StateWarning
	}
	c.publish()
}

// Extend asks the provider to keep the session alive. On success the
// countdown restarts at its full length. A failed extension leaves the
// countdown running.
func (c *Controller) Extend(ctx context.Context, sessionID string) (Snapshot, error) {
	reply := make(chan error, 1)
	if err := c.submit(ctx, func() { c.handleExtend(sessionID, reply) }); err != nil {
		return c.Snapshot(), err
	}
	err := c.wait(ctx, reply)
	return c.Snapshot(), err
}

func (c *Controller) handleExtend(sessionID string, reply chan error) {
	s, err := c.live(sessionID)
	if err != nil {
		reply <- err
		return
	}
	if s.deadline.Expired() {
		// The tick has not caught up yet.
		c.end(ReasonTimeout)
		reply <- ErrSessionInactive
		return
	}
	s.extendReplies = append(s.extendReplies, reply)
	if s.extending {
		return
	}
	s.extending = true
	gen, prov, id, minutes := s.gen, s.prov, s.info.SessionID, c.cfg.ExtendMinutes
	go func() {
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.CallTimeout)
		defer cancel()
		c.post(extendDone{gen: gen, err: prov.KeepAlive(ctx, id, minutes)})
	}()
}

func (c *Controller) handleExtendDone(ev extendDone) {
	s := c.sess
	if s == nil || s.gen != ev.gen {
		return
	}
	replies := s.extendReplies
	s.extendReplies = nil
	s.extending = false
	answer := func(err error) {
		for _, r := range replies {
			r <- err
		}
	}

	// Ended while the call was in flight: never resurrect.
	if !c.state.Live() || c.tearingDown {
		answer(ErrSessionInactive)
		return
	}
	if s.deadline.Expired() {
		c.end(ReasonTimeout)
		answer(ErrSessionInactive)
		return
	}
	if ev.err != nil {
		err := providerError(ev.err)
		if errors.Is(err, ErrSessionInactive) {
			c.end(ReasonInactive)
		} else {
			c.logger.Warn("session extend failed", slog.Any("error", ev.err))
		}
		answer(err)
		return
	}

	s.deadline.Reset()
	s.seconds = s.deadline.SecondsRemaining()
	s.extensions++
	c.state = StateConnected
	c.publish()
	c.notify(EventExtended, "")
	answer(nil)
}

// Stop ends the session and returns after every teardown step has run.
// Stopping a session that is still connecting waits for the connect call to
// settle and then tears it down. An empty sessionID stops whatever is
// current.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, func() { c.handleStop(sessionID, reply) }); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

func (c *Controller) handleStop(sessionID string, reply chan error) {
	s := c.sess
	if s == nil {
		reply <- ErrNoSession
		return
	}
	if sessionID != "" && s.info.SessionID != "" && sessionID != s.info.SessionID {
		reply <- ErrNoSession
		return
	}
	s.stopReplies = append(s.stopReplies, reply)
	switch {
	case c.tearingDown:
	case c.state == StateConnecting:
		s.stopPending = true
	default:
		c.end(ReasonStopped)
	}
}

// end moves a live session to Ended and starts teardown.
func (c *Controller) end(reason string) {
	c.state = StateEnded
	c.endReason = reason
	c.sess.seconds = 0
	c.beginTeardown()
}

func (c *Controller) beginTeardown() {
	s := c.sess
	c.tearingDown = true
	for _, r := range s.extendReplies {
		r <- ErrSessionInactive
	}
	s.extendReplies = nil
	c.publish()
	if c.state == StateEnded && !s.startedAt.IsZero() {
		c.notify(EventEnded, c.endReason)
	}
	go func() {
		c.runTeardown(s)
		c.post(teardownDone{gen: s.gen})
	}()
}

func (c *Controller) handleTeardownDone(ev teardownDone) {
	s := c.sess
	if s == nil || s.gen != ev.gen {
		return
	}
	c.tearingDown = false
	c.readyAt = c.clock.Now().Add(c.cfg.Cooldown)
	c.publishWith(s)
	c.sess = nil
	c.publish()
	for _, r := range s.stopReplies {
		r <- nil
	}
}

// SendText makes the avatar speak text.
func (c *Controller) SendText(ctx context.Context, sessionID, text string) error {
	var prov Provider
	var id string
	reply := make(chan error, 1)
	err := c.submit(ctx, func() {
		s, err := c.live(sessionID)
		if err == nil {
			s.idle.Poke()
			prov, id = s.prov, s.info.SessionID
		}
		reply <- err
	})
	if err != nil {
		return err
	}
	if err := c.wait(ctx, reply); err != nil {
		return err
	}
	if err := prov.Say(ctx, id, text); err != nil {
		return providerError(err)
	}
	return nil
}

// Activity records user activity for the idle watchdog.
func (c *Controller) Activity(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, func() {
		s, err := c.live(sessionID)
		if err == nil {
			s.idle.Poke()
		}
		reply <- err
	}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// PushAudio buffers a chunk of microphone audio for the current utterance.
func (c *Controller) PushAudio(ctx context.Context, sessionID string, chunk []byte, contentType string) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, func() {
		s, err := c.live(sessionID)
		if err == nil {
			s.idle.Poke()
			err = s.recorder.Push(chunk, contentType)
			c.publish()
		}
		reply <- err
	}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// FinishUtterance transcribes the buffered audio and has the avatar say the
// transcript. It returns the transcript.
func (c *Controller) FinishUtterance(ctx context.Context, sessionID string) (string, error) {
	var prov Provider
	var id string
	var rec media.Recording
	reply := make(chan error, 1)
	if err := c.submit(ctx, func() {
		s, err := c.live(sessionID)
		if err == nil {
			s.idle.Poke()
			rec, err = s.recorder.Stop()
			prov, id = s.prov, s.info.SessionID
			c.publish()
		}
		reply <- err
	}); err != nil {
		return "", err
	}
	if err := c.wait(ctx, reply); err != nil {
		return "", err
	}

	text, err := prov.SpeechToText(ctx, rec.Data, rec.ContentType)
	if err != nil {
		return "", providerError(err)
	}
	if text == "" {
		return "", nil
	}
	if err := prov.Say(ctx, id, text); err != nil {
		return text, providerError(err)
	}
	return text, nil
}

// live returns the current session if it is established and matches
// sessionID.
func (c *Controller) live(sessionID string) (*active, error) {
	s := c.sess
	if s == nil || c.tearingDown || !c.state.Live() || s.info.SessionID != sessionID {
		return nil, ErrNoSession
	}
	return s, nil
}

// stop closes the event queue and releases everything still owned by the
// controller.
func (c *Controller) stop() {
	close(c.quit)
	c.postMu.Lock()
	c.stopped = true
	c.postMu.Unlock()
	c.drainEvents()
	c.shutdown()
}

// drainEvents hands connect results that were queued before stop to their
// owner. A result for the connecting session fills it in so shutdown ends
// the remote session; any other result with live resources is released here.
func (c *Controller) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			cd, ok := ev.(connectDone)
			if !ok {
				continue
			}
			if c.current(cd.gen) && c.state == StateConnecting {
				c.sess.info = cd.info
				c.sess.room = cd.room
				continue
			}
			if cd.info.SessionID != "" || cd.room != nil {
				c.runTeardown(&active{prov: cd.prov, info: cd.info, room: cd.room})
			}
		default:
			return
		}
	}
}

func (c *Controller) shutdown() {
	s := c.sess
	if s == nil {
		return
	}
	if s.startReply != nil {
		s.startReply <- ErrStopped
	}
	for _, r := range s.extendReplies {
		r <- ErrStopped
	}
	if !c.tearingDown {
		if c.state.Live() {
			c.notify(EventEnded, ReasonShutdown)
		}
		c.state = StateEnded
		c.endReason = ReasonShutdown
		c.runTeardown(s)
	}
	// A teardown already in flight finishes on its own goroutine.
	c.sess = nil
	c.publish()
	for _, r := range s.stopReplies {
		r <- nil
	}
}

func (c *Controller) notify(kind EventKind, reason string) {
	if c.deps.Observer == nil {
		return
	}
	c.deps.Observer(Event{
		Kind:      kind,
		ClientID:  c.clientID,
		SessionID: c.sess.info.SessionID,
		AvatarID:  c.sess.req.AvatarID,
		Reason:    reason,
	})
}

func (c *Controller) publish() {
	if c.sess != nil && c.tearingDown {
		// Resources belong to the teardown goroutine until it reports back.
		c.store(c.baseSnapshot(c.sess))
		return
	}
	c.publishWith(c.sess)
}

func (c *Controller) publishWith(s *active) {
	snap := c.baseSnapshot(s)
	if s != nil {
		snap.Tracks = s.sink.Tracks()
		snap.RoomConnected = s.room != nil
		snap.VideoReady = s.sink.HasVideo()
		snap.RecorderActive = s.recorder.Active()
		snap.BufferedAudio = s.recorder.Buffered()
		snap.IdleArmed = s.idle.Armed()
	}
	c.store(snap)
}

func (c *Controller) baseSnapshot(s *active) Snapshot {
	snap := Snapshot{ClientID: c.clientID, State: c.state, EndReason: c.endReason}
	if s == nil {
		// Keep identifying the last session after teardown.
		prev := c.Snapshot()
		if c.state == StateEnded {
			snap.SessionID = prev.SessionID
			snap.AvatarID = prev.AvatarID
			snap.StartedAt = prev.StartedAt
			snap.Extensions = prev.Extensions
		}
		return snap
	}
	snap.SessionID = s.info.SessionID
	snap.AvatarID = s.req.AvatarID
	snap.StartedAt = s.startedAt
	snap.SecondsRemaining = s.seconds
	snap.Extensions = s.extensions
	return snap
}

func (c *Controller) store(snap Snapshot) {
	quiet := c.sess == nil && (snap.State == StateIdle || snap.State == StateEnded)
	c.snapMu.Lock()
	c.snap = snap
	switch {
	case !quiet:
		c.quietSince = time.Time{}
	case c.quietSince.IsZero():
		c.quietSince = c.clock.Now()
	}
	c.snapMu.Unlock()
	c.hub.Publish(snap)
}
