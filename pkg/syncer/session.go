package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"friendsync/pkg/integrity"
	"friendsync/pkg/protocol"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/transport"
	"friendsync/pkg/types"
)

const (
	reasonNotEligible    = "not a friend or friend of friend"
	reasonIdentityChange = "peer identity changed"
	reasonAccessDenied   = "Access denied"
	reasonNotFound       = "Content not found"
	reasonNotAvailable   = "Content not available"
	reasonHashMismatch   = "Content hash mismatch"
	reasonUnrequested    = "Unrequested content"
	reasonForeignOwner   = "Content not owned by peer"
	reasonMalformedItem  = "Malformed content"
)

// completedRequests bounds how many answered request ids a session keeps
// so a replayed response is reported instead of dropped.
const completedRequests = 64

type handlerFunc func(protocol.Message)

// handle adapts a typed handler to the dispatch table.
func handle[T protocol.Message](fn func(T)) handlerFunc {
	return func(msg protocol.Message) {
		if typed, ok := msg.(T); ok {
			fn(typed)
		}
	}
}

type pendingRequest struct {
	id     string
	items  map[types.PostID]protocol.RequestedItem
	timer  *time.Timer
	sentAt time.Time
}

// Session is the sync actor for one (local identity, peer) pair. Every
// message, timer expiry and command runs on the session goroutine.
type Session struct {
	m         *Manager
	initiator bool
	ch        transport.Channel
	conn      *transport.Connection
	logger    *zap.Logger
	limiter   *rate.Limiter
	handlers  map[protocol.MessageType][]handlerFunc

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	verified atomic.Bool

	// owned by the session goroutine
	announcement   *protocol.ContentAnnouncement
	completed      map[string]*pendingRequest
	completedOrder []string

	mu          sync.Mutex
	peer        types.UserID
	state       State
	pending     map[string]*pendingRequest
	subscribers []chan Event
	finished    bool
}

func newSession(m *Manager, peer types.UserID, initiator bool, ch transport.Channel, conn *transport.Connection) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		m:         m,
		initiator: initiator,
		ch:        ch,
		conn:      conn,
		logger:    m.logger.With(zap.String("endpoint", ch.Endpoint())),
		inbox:     make(chan func(), 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		peer:      peer,
		state:     StateIdle,
		pending:   make(map[string]*pendingRequest),
		completed: make(map[string]*pendingRequest),
	}
	if m.opts.InboundMessageRate > 0 {
		burst := m.opts.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(m.opts.InboundMessageRate), burst)
	}

	s.handlers = map[protocol.MessageType][]handlerFunc{
		protocol.TypeFriendVerification:  {handle(s.onFriendVerification)},
		protocol.TypeFriendVerified:      {handle(s.onFriendVerified)},
		protocol.TypeContentAnnouncement: {handle(s.onAnnouncement)},
		protocol.TypeSyncRequest:         {handle(s.onSyncRequest)},
		protocol.TypeSyncResponse:        {handle(s.onSyncResponse)},
	}
	for _, o := range m.opts.Observers {
		fn := o.Fn
		s.handlers[o.Type] = append(s.handlers[o.Type], func(msg protocol.Message) {
			fn(s.Peer(), msg)
		})
	}
	return s
}

func (s *Session) start() {
	s.m.metrics.SessionOpened()
	go s.run()
	go s.readLoop()
	if s.initiator {
		s.post(s.sendVerification)
	}
}

func (s *Session) Peer() types.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Verified reports whether the handshake completed.
func (s *Session) Verified() bool {
	return s.verified.Load()
}

// PendingRequests returns the ids of requests awaiting a response.
func (s *Session) PendingRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel of session events. It is closed when the
// session stops. Slow subscribers miss events.
func (s *Session) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 64)
	if s.finished {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Announce sends the local identity's originals to a verified peer again.
func (s *Session) Announce() {
	s.post(s.announce)
}

// Retry re-requests whatever the peer's last announcement offered that is
// still missing locally, typically after a RequestTimeout.
func (s *Session) Retry() {
	s.post(func() {
		if s.announcement != nil {
			s.requestMissing(s.announcement)
		}
	})
}

// Close stops the session, cancels pending request timers and closes the
// channel. It must not be called from an Observer.
func (s *Session) Close() {
	s.shutdown(StateClosed)
	<-s.done
}

func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) run() {
	defer s.finish()
	for {
		if s.ctx.Err() != nil {
			return
		}
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	for _, sub := range s.subscribers {
		close(sub)
	}
	s.subscribers = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) readLoop() {
	for {
		raw, err := s.ch.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.post(func() { s.onTransportError(err) })
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.post(s.onRateLimited)
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.post(func() { s.onMalformed(err) })
			continue
		}
		s.post(func() { s.dispatch(msg) })
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	if s.State().Terminal() {
		return
	}
	s.m.metrics.Message(string(msg.Type()), "inbound")
	for _, h := range s.handlers[msg.Type()] {
		h(msg)
	}
}

func (s *Session) send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.ch.Send(s.ctx, raw); err != nil {
		return err
	}
	s.m.metrics.Message(string(msg.Type()), "outbound")
	return nil
}

// sendOrFail sends msg and treats a send failure as a broken channel.
func (s *Session) sendOrFail(msg protocol.Message) bool {
	if err := s.send(msg); err != nil {
		s.onTransportError(err)
		return false
	}
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(st)
}

func (s *Session) transitionLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.emitLocked(Event{Type: EventStateChanged})
}

// settle returns to Idle, or AwaitingResponse while requests are pending.
func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if len(s.pending) > 0 {
		s.transitionLocked(StateAwaitingResponse)
	} else {
		s.transitionLocked(StateIdle)
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *Session) emitLocked(ev Event) {
	ev.PeerID = s.peer
	ev.State = s.state
	for _, sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// shutdown moves the session to a terminal state and releases its
// resources without waiting for the session goroutine.
func (s *Session) shutdown(final State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.transitionLocked(final)
	peer := s.peer
	s.mu.Unlock()

	s.cancel()
	s.ch.Close()
	if peer != "" {
		s.m.unregister(peer, s)
	}
	s.m.forget(s)
	s.m.metrics.SessionClosed()

	s.logger.Debug("Session stopped",
		zap.String("peer", string(peer)),
		zap.String("state", string(final)))
}

func (s *Session) sendVerification() {
	s.setState(StateVerifying)
	s.sendOrFail(&protocol.FriendVerification{
		UserID:    s.m.local,
		Timestamp: protocol.Now(),
	})
}

// deny rejects peer during the handshake. The peer is not contacted again
// until the manager clears it.
func (s *Session) deny(peer types.UserID, reason string, reply bool) {
	if reply {
		s.send(&protocol.FriendVerified{UserID: s.m.local, Verified: false, Reason: reason})
	}
	s.m.metrics.HandshakeDenied()
	s.m.markDenied(peer)
	s.logger.Warn("Peer not authorized for sync",
		zap.String("peer", string(peer)),
		zap.String("reason", reason))
	s.emit(Event{Type: EventUnauthorized, Err: syncerr.New(syncerr.KindAccessDenied,
		fmt.Sprintf("%s: %s", peer, reason))})
	s.shutdown(StateUnauthorized)
}

func (s *Session) onFriendVerification(msg *protocol.FriendVerification) {
	sender := msg.UserID
	if sender == "" {
		s.onMalformed(syncerr.New(syncerr.KindMalformedPayload, "friend verification without user id"))
		return
	}

	current := s.Peer()
	if current != "" && current != sender {
		s.deny(sender, reasonIdentityChange, true)
		return
	}
	if !s.m.graph.IsSyncEligible(s.m.local, sender) {
		s.deny(sender, reasonNotEligible, true)
		return
	}
	if s.verified.Load() {
		s.send(&protocol.FriendVerified{UserID: s.m.local, Verified: true})
		return
	}

	s.mu.Lock()
	s.peer = sender
	s.mu.Unlock()
	if !s.initiator {
		s.m.register(sender, s)
	}

	if !s.sendOrFail(&protocol.FriendVerified{UserID: s.m.local, Verified: true}) {
		return
	}
	s.verified.Store(true)
	s.logger.Info("Peer verified", zap.String("peer", string(sender)))
	s.emit(Event{Type: EventVerified})
	s.announce()
}

func (s *Session) onFriendVerified(msg *protocol.FriendVerified) {
	peer := s.Peer()
	if !s.initiator || s.verified.Load() {
		s.logger.Debug("Ignoring unexpected friend verified", zap.String("peer", string(peer)))
		return
	}
	if msg.UserID != "" && msg.UserID != peer {
		s.deny(peer, reasonIdentityChange, false)
		return
	}
	if !msg.Verified {
		reason := msg.Reason
		if reason == "" {
			reason = "verification refused"
		}
		s.deny(peer, reason, false)
		return
	}
	if !s.m.graph.IsSyncEligible(s.m.local, peer) {
		s.deny(peer, reasonNotEligible, true)
		return
	}

	s.verified.Store(true)
	s.logger.Info("Peer verified", zap.String("peer", string(peer)))
	s.emit(Event{Type: EventVerified})
	s.announce()
}

// announce offers every local original to the peer.
func (s *Session) announce() {
	if !s.verified.Load() || s.State().Terminal() {
		return
	}
	s.setState(StateAnnouncing)

	items, err := s.m.store.ListByOwner(s.ctx, s.m.local, types.SyncStateOriginal)
	if err != nil {
		s.logger.Error("Failed to list local content", zap.Error(err))
		s.emit(Event{Type: EventError, Err: fmt.Errorf("failed to list local content: %w", err)})
		s.settle()
		return
	}

	announced := make([]protocol.AnnouncedItem, 0, len(items))
	for _, item := range items {
		announced = append(announced, protocol.AnnouncedItem{
			PostID:           item.ID,
			ContentHash:      item.ContentHash,
			Timestamp:        item.Timestamp,
			HasAttachments:   item.HasAttachments(),
			AttachmentHashes: integrity.SortedChecksums(item.AttachmentChecksums),
			CID:              integrity.ContentCID(item),
		})
	}
	if !s.sendOrFail(&protocol.ContentAnnouncement{OwnerID: s.m.local, Items: announced}) {
		return
	}

	s.logger.Debug("Announced content",
		zap.String("peer", string(s.Peer())),
		zap.Int("items", len(announced)))
	s.emit(Event{Type: EventAnnounced})
	s.settle()
}

func (s *Session) accessDenied(what string) {
	err := syncerr.New(syncerr.KindAccessDenied,
		fmt.Sprintf("%s from unverified or ineligible peer %s", what, s.Peer()))
	s.m.metrics.Rejected(string(syncerr.KindAccessDenied))
	s.logger.Warn("Rejected message", zap.Error(err))
	s.emit(Event{Type: EventError, Err: err})
}

func (s *Session) onAnnouncement(msg *protocol.ContentAnnouncement) {
	if !s.verified.Load() {
		s.accessDenied("content announcement")
		return
	}
	peer := s.Peer()
	if !s.m.graph.IsSyncEligible(s.m.local, peer) {
		s.deny(peer, reasonNotEligible, false)
		return
	}
	if msg.OwnerID != peer {
		s.accessDenied(fmt.Sprintf("announcement of %s content", msg.OwnerID))
		return
	}

	s.announcement = msg
	s.requestMissing(msg)
}

// requestMissing asks the peer for announced items with no local copy that
// are not already requested.
func (s *Session) requestMissing(msg *protocol.ContentAnnouncement) {
	if s.State().Terminal() {
		return
	}

	s.mu.Lock()
	inFlight := make(map[string]struct{})
	for _, p := range s.pending {
		for _, it := range p.items {
			inFlight[it.ContentHash] = struct{}{}
		}
	}
	s.mu.Unlock()

	var wanted []protocol.RequestedItem
	for _, item := range msg.Items {
		if item.PostID == "" || item.ContentHash == "" {
			continue
		}
		if _, ok := inFlight[item.ContentHash]; ok {
			continue
		}
		exists, err := s.m.store.Exists(s.ctx, s.m.local, item.ContentHash)
		if err != nil {
			s.logger.Warn("Failed to check local content",
				zap.String("content_hash", item.ContentHash),
				zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		inFlight[item.ContentHash] = struct{}{}
		wanted = append(wanted, protocol.RequestedItem{
			PostID:             item.PostID,
			ContentHash:        item.ContentHash,
			IncludeAttachments: item.HasAttachments,
		})
	}
	if len(wanted) == 0 {
		s.settle()
		return
	}

	req := &protocol.SyncRequest{RequestID: uuid.NewString(), RequestedContent: wanted}
	if !s.sendOrFail(req) {
		return
	}

	p := &pendingRequest{
		id:     req.RequestID,
		items:  make(map[types.PostID]protocol.RequestedItem, len(wanted)),
		sentAt: time.Now(),
	}
	for _, it := range wanted {
		p.items[it.PostID] = it
	}
	id := req.RequestID
	p.timer = time.AfterFunc(s.m.opts.RequestTimeout, func() {
		s.post(func() { s.onTimeout(id) })
	})

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		p.timer.Stop()
		return
	}
	s.pending[id] = p
	s.transitionLocked(StateAwaitingResponse)
	s.mu.Unlock()

	s.logger.Debug("Requested content",
		zap.String("peer", string(s.Peer())),
		zap.String("request", id),
		zap.Int("items", len(wanted)))
	s.emit(Event{Type: EventRequestSent, RequestID: id})
}

func (s *Session) onTimeout(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.m.metrics.RequestTimedOut()
	err := syncerr.New(syncerr.KindRequestTimeout,
		fmt.Sprintf("no response to request %s within %s", id, s.m.opts.RequestTimeout))
	s.logger.Warn("Sync request timed out",
		zap.String("peer", string(s.Peer())),
		zap.String("request", id),
		zap.Duration("elapsed", time.Since(p.sentAt)))
	s.emit(Event{Type: EventRequestTimeout, RequestID: id, Err: err})
	s.settle()
}

// onSyncRequest serves locally owned originals only. Items cached from
// other identities are never relayed.
func (s *Session) onSyncRequest(msg *protocol.SyncRequest) {
	peer := s.Peer()
	resp := &protocol.SyncResponse{
		RequestID: msg.RequestID,
		Content:   make([]protocol.ResponseItem, 0, len(msg.RequestedContent)),
	}

	if !s.verified.Load() || !s.m.graph.IsSyncEligible(s.m.local, peer) {
		for _, req := range msg.RequestedContent {
			resp.Content = append(resp.Content, protocol.ResponseItem{
				PostID:      req.PostID,
				ContentHash: req.ContentHash,
				Error:       reasonAccessDenied,
			})
		}
		s.accessDenied("sync request")
		s.send(resp)
		return
	}

	tx := &types.SyncTransaction{
		ID:          types.TransactionID(uuid.NewString()),
		LocalUserID: s.m.local,
		PeerID:      peer,
		Direction:   types.DirectionOutbound,
	}
	if err := s.m.store.BeginTransaction(s.ctx, tx); err != nil {
		s.logger.Warn("Failed to record outbound transaction", zap.Error(err))
		tx = nil
	}

	served := 0
	var errs []string
	for _, req := range msg.RequestedContent {
		ri := protocol.ResponseItem{PostID: req.PostID, ContentHash: req.ContentHash}
		item, reason := s.lookupOwned(req)
		var payload []byte
		if reason == "" {
			// checksums are part of the content hash, so they always travel
			var err error
			if payload, err = json.Marshal(protocol.PayloadFromItem(item, true)); err != nil {
				reason = reasonNotAvailable
			}
		}
		if reason != "" {
			ri.Error = reason
			errs = append(errs, fmt.Sprintf("%s: %s", req.PostID, reason))
		} else {
			ri.Payload = payload
			ri.Success = true
			served++
		}
		resp.Content = append(resp.Content, ri)
	}

	ok := s.sendOrFail(resp)
	if tx != nil {
		status := types.TransactionProcessed
		if !ok {
			status = types.TransactionFailed
		}
		s.m.completeTransaction(context.Background(), tx.ID, status, served, errs)
	}
	if !ok {
		return
	}

	s.logger.Debug("Served sync request",
		zap.String("peer", string(peer)),
		zap.String("request", msg.RequestID),
		zap.Int("served", served),
		zap.Int("failed", len(errs)))
	s.emit(Event{Type: EventRequestServed, RequestID: msg.RequestID})
}

func (s *Session) lookupOwned(req protocol.RequestedItem) (*types.ContentItem, string) {
	item, err := s.m.store.Get(s.ctx, req.PostID)
	if err != nil {
		return nil, reasonNotFound
	}
	if item.OwnerID != s.m.local || item.SyncState == types.SyncStateSynced {
		return nil, reasonNotAvailable
	}
	if req.ContentHash != "" && item.ContentHash != req.ContentHash {
		return nil, reasonHashMismatch
	}
	return item, ""
}

func (s *Session) onSyncResponse(msg *protocol.SyncResponse) {
	s.mu.Lock()
	p, ok := s.pending[msg.RequestID]
	if ok {
		p.timer.Stop()
		delete(s.pending, msg.RequestID)
	}
	s.mu.Unlock()
	peer := s.Peer()

	if ok {
		s.remember(p)
	} else if p, ok = s.completed[msg.RequestID]; ok {
		s.logger.Debug("Response repeats a completed request",
			zap.String("peer", string(peer)),
			zap.String("request", msg.RequestID))
	} else {
		s.logger.Debug("Ignoring response to unknown request",
			zap.String("peer", string(peer)),
			zap.String("request", msg.RequestID))
		return
	}

	s.setState(StateApplying)

	raw, err := json.Marshal(msg.Content)
	if err == nil {
		err = s.m.guard.Scan(s.m.local, peer, raw)
	}
	if err != nil {
		s.rejectResponse(msg.RequestID, err)
		return
	}

	var posts []json.RawMessage
	var remote []string
	for _, ri := range msg.Content {
		req, requested := p.items[ri.PostID]
		switch {
		case !ri.Success || len(ri.Payload) == 0:
			reason := ri.Error
			if reason == "" {
				reason = reasonNotFound
			}
			remote = append(remote, reason)
		case !requested || req.ContentHash != ri.ContentHash:
			remote = append(remote, reasonUnrequested)
		default:
			if reason := checkResponsePost(ri, req, peer); reason != "" {
				remote = append(remote, reason)
				continue
			}
			posts = append(posts, ri.Payload)
		}
	}

	result := &AcceptResult{Success: true, SkippedReasons: []string{}}
	if len(posts) > 0 {
		data, err := protocol.EncodeSyncData(peer, posts)
		if err == nil {
			result, err = s.m.apply(s.ctx, peer, data)
		}
		if err != nil {
			s.rejectResponse(msg.RequestID, err)
			return
		}
	}
	result.SkippedReasons = mergeReasons(result.SkippedReasons, remote)

	s.emit(Event{Type: EventSynced, RequestID: msg.RequestID, Result: result})
	s.settle()
}

// checkResponsePost binds a served payload to the request and to peer.
// Items on a session are always the peer's own originals.
func checkResponsePost(ri protocol.ResponseItem, req protocol.RequestedItem, peer types.UserID) string {
	post, err := ri.Post()
	if err != nil {
		return reasonMalformedItem
	}
	if post.ID != req.PostID || post.ContentHash != req.ContentHash {
		return reasonUnrequested
	}
	if post.OwnerID != "" && post.OwnerID != peer {
		return reasonForeignOwner
	}
	return ""
}

func (s *Session) rejectResponse(requestID string, err error) {
	s.logger.Warn("Rejected sync response",
		zap.String("peer", string(s.Peer())),
		zap.String("request", requestID),
		zap.Error(err))
	s.emit(Event{Type: EventError, RequestID: requestID, Err: err})
	s.settle()
}

// remember records an answered request, evicting the oldest beyond
// completedRequests.
func (s *Session) remember(p *pendingRequest) {
	s.completed[p.id] = p
	s.completedOrder = append(s.completedOrder, p.id)
	if len(s.completedOrder) > completedRequests {
		delete(s.completed, s.completedOrder[0])
		s.completedOrder = s.completedOrder[1:]
	}
}

func mergeReasons(reasons, extra []string) []string {
	seen := make(map[string]struct{}, len(reasons))
	for _, r := range reasons {
		seen[r] = struct{}{}
	}
	for _, r := range extra {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		reasons = append(reasons, r)
	}
	return reasons
}

func (s *Session) onMalformed(err error) {
	s.m.metrics.Rejected(string(syncerr.KindMalformedPayload))
	s.logger.Warn("Dropped malformed message",
		zap.String("peer", string(s.Peer())),
		zap.Error(err))
	s.emit(Event{Type: EventError, Err: err})
}

func (s *Session) onRateLimited() {
	s.m.metrics.Rejected(string(syncerr.KindRateLimitExceeded))
	s.logger.Warn("Dropped message over inbound rate", zap.String("peer", string(s.Peer())))
	s.emit(Event{Type: EventRateLimited, Err: syncerr.New(syncerr.KindRateLimitExceeded,
		fmt.Sprintf("inbound message rate exceeded for %s", s.Peer()))})
}

// onTransportError reports a broken channel to the connection, if any, and
// fails the session.
func (s *Session) onTransportError(err error) {
	if s.State().Terminal() {
		return
	}
	retry := false
	if s.conn != nil {
		retry = s.conn.ReportFailure(err)
	}
	s.logger.Warn("Peer channel failed",
		zap.String("peer", string(s.Peer())),
		zap.Bool("retryable", retry),
		zap.Error(err))
	s.emit(Event{Type: EventTransportError, Err: err})
	s.shutdown(StateFailed)
}
