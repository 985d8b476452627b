// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/transcript"
)

var (
	ErrDefunct      = errors.New("signaling client is defunct")
	ErrNoConnection = errors.New("no signaling connection")
)

const nick = "live_interpreter"

// Media receives the negotiation messages addressed to the interpreter.
type Media interface {
	HandleOffer(peerID, sid, sdp string) error
	HandleAnswer(sdp string) error
	HandleCandidate(peerID string, candidate webrtc.ICECandidateInit) error
	HandlePublisherCandidate(candidate webrtc.ICECandidateInit) error
	RemovePeer(peerID string)
}

type Options struct {
	CallID string
	// URL of the signaling server; http(s) URLs are rewritten to ws(s).
	URL     string
	Secret  string
	Backend string
	// OnLeave runs once after the client closed for any reason.
	OnLeave func(callID string)
}

type Client struct {
	mu sync.Mutex

	callID  string
	secret  string
	wsURL   string
	backend string

	conn         *websocket.Conn
	msgID        atomic.Int64
	sessionID    string
	publisherSid string
	defunct      atomic.Bool

	mediaMu sync.RWMutex
	media   Media

	// call flags of everyone else in the call, by HPB session id
	participants   map[string]CallFlag
	participantsMu sync.Mutex

	deferredCloseTimer *time.Timer
	cancel             context.CancelFunc
	onLeave            func(callID string)

	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		callID:       opts.CallID,
		secret:       opts.Secret,
		wsURL:        sanitizeWebSocketURL(opts.URL),
		backend:      opts.Backend,
		publisherSid: strings.ReplaceAll(uuid.NewString(), "-", ""),
		participants: make(map[string]CallFlag),
		onLeave:      opts.OnLeave,
		logger:       logger.With("component", "signaling", "call_id", opts.CallID),
	}
}

func (sc *Client) SetMedia(m Media) {
	sc.mediaMu.Lock()
	defer sc.mediaMu.Unlock()
	sc.media = m
}

func (sc *Client) getMedia() Media {
	sc.mediaMu.RLock()
	defer sc.mediaMu.RUnlock()
	return sc.media
}

// Connect performs the hello handshake, joins the call room and starts the
// message monitor.
func (sc *Client) Connect(ctx context.Context) (SigConnectResult, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.defunct.Load() {
		return SigConnectFailure, ErrDefunct
	}
	if sc.conn != nil {
		sc.logger.Debug("already connected, skipping")
		return SigConnectSuccess, nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	parsedURL, _ := url.Parse(sc.wsURL)
	if parsedURL != nil && parsedURL.Scheme == "wss" {
		skipCert := os.Getenv("SKIP_CERT_VERIFY")
		if skipCert == "true" || skipCert == "1" {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}

	conn, _, err := dialer.DialContext(ctx, sc.wsURL, nil)
	if err != nil {
		sc.logger.Error("failed to connect to signaling server", "error", err)
		return SigConnectRetry, fmt.Errorf("websocket dial: %w", err)
	}
	sc.conn = conn

	result, err := sc.handshake(conn)
	if err != nil {
		conn.Close()
		sc.conn = nil
		return result, err
	}

	monCtx, monCancel := context.WithCancel(context.WithoutCancel(ctx))
	sc.cancel = monCancel
	go sc.monitor(monCtx, conn)

	sc.sendInCall()
	sc.sendJoin()

	sc.participantsMu.Lock()
	if len(sc.participants) == 0 {
		sc.startDeferredClose()
	}
	sc.participantsMu.Unlock()

	sc.logger.Info("connected to signaling server")
	return SigConnectSuccess, nil
}

func (sc *Client) handshake(conn *websocket.Conn) (SigConnectResult, error) {
	sc.sendHello()

	for i := 0; i < 10; i++ {
		msg, err := receiveMessage(conn, constants.MsgReceiveTimeout)
		if err != nil {
			sc.logger.Error("no message during handshake", "error", err)
			return SigConnectFailure, err
		}

		switch msg.Type {
		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			sc.logger.Error("signaling error during connect", "code", code)
			switch code {
			case "duplicate_session":
				return SigConnectFailure, fmt.Errorf("duplicate session")
			case "room_join_failed", "too_many_requests":
				return SigConnectRetry, fmt.Errorf("signaling error: %s", code)
			}
			return SigConnectFailure, fmt.Errorf("signaling error: %s", code)

		case "bye":
			sc.logger.Info("received bye during connect")
			return SigConnectFailure, fmt.Errorf("received bye")

		case "welcome":
			sc.logger.Debug("received welcome")

		case "hello":
			if msg.Hello != nil {
				sc.sessionID = msg.Hello.SessionID
				sc.logger.Info("hello handshake complete", "session_id", sc.sessionID)
			}
			return SigConnectSuccess, nil
		}
	}
	return SigConnectFailure, fmt.Errorf("did not receive hello response")
}

func (sc *Client) IsDefunct() bool {
	return sc.defunct.Load()
}

func (sc *Client) SessionID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sessionID
}

func (sc *Client) Participants() int {
	sc.participantsMu.Lock()
	defer sc.participantsMu.Unlock()
	return len(sc.participants)
}

// Close says bye, drops the connection and runs the leave callback once.
func (sc *Client) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.defunct.CompareAndSwap(false, true) {
		return
	}

	if sc.cancel != nil {
		sc.cancel()
		sc.cancel = nil
	}

	sc.participantsMu.Lock()
	sc.cancelDeferredClose()
	sc.participantsMu.Unlock()

	if sc.conn != nil {
		sc.sendMessageLocked(SignalingMessage{Type: "bye", Bye: &ByeMessage{}})
		sc.conn.Close()
		sc.conn = nil
	}

	sc.logger.Info("client closed")

	if sc.onLeave != nil {
		go sc.onLeave(sc.callID)
	}
}

// updateParticipant records flags and reports whether the participant just
// started sending audio.
func (sc *Client) updateParticipant(sessionID string, flags CallFlag) bool {
	sc.participantsMu.Lock()
	defer sc.participantsMu.Unlock()
	sc.cancelDeferredClose()
	prev, known := sc.participants[sessionID]
	sc.participants[sessionID] = flags
	hadAudio := known && prev&CallFlagWithAudio != 0
	return flags&CallFlagWithAudio != 0 && !hadAudio
}

func (sc *Client) removeParticipant(sessionID string) {
	sc.participantsMu.Lock()
	defer sc.participantsMu.Unlock()
	delete(sc.participants, sessionID)

	if len(sc.participants) == 0 {
		sc.startDeferredClose()
	}
}

// Must be called with participantsMu held.
func (sc *Client) startDeferredClose() {
	sc.cancelDeferredClose()
	sc.logger.Debug("starting deferred close timer", "timeout", constants.CallLeaveTimeout)
	sc.deferredCloseTimer = time.AfterFunc(constants.CallLeaveTimeout, func() {
		if sc.defunct.Load() {
			return
		}
		sc.participantsMu.Lock()
		empty := len(sc.participants) == 0
		sc.participantsMu.Unlock()

		if empty {
			sc.logger.Info("no participants after deferred close timeout, leaving call")
			sc.Close()
		}
	})
}

// Must be called with participantsMu held.
func (sc *Client) cancelDeferredClose() {
	if sc.deferredCloseTimer != nil {
		sc.deferredCloseTimer.Stop()
		sc.deferredCloseTimer = nil
	}
}

func (sc *Client) monitor(ctx context.Context, conn *websocket.Conn) {
	sc.logger.Debug("signaling monitor started")
	defer sc.logger.Debug("signaling monitor stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := receiveMessage(conn, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sc.logger.Error("websocket error in monitor, closing", "error", err)
			sc.Close()
			return
		}

		switch msg.Type {
		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			sc.logger.Error("signaling error", "code", code)
			if code == "processing_failed" {
				continue // recoverable
			}
			sc.Close()
			return

		case "event":
			sc.handleEvent(msg)

		case "message":
			sc.handleMessage(msg)

		case "bye":
			sc.logger.Info("received bye, closing")
			sc.Close()
			return
		}
	}
}

func (sc *Client) handleEvent(msg *SignalingMessage) {
	if msg.Event == nil || msg.Event.Target != "participants" || msg.Event.Type != "update" {
		return
	}
	if msg.Event.Update == nil {
		return
	}

	if msg.Event.Update.All && msg.Event.Update.InCall == CallFlagDisconnected {
		sc.logger.Info("call ended for everyone")
		sc.Close()
		return
	}

	own := sc.SessionID()
	for _, user := range msg.Event.Update.Users {
		if user.Internal || user.SessionID == own {
			continue
		}

		if user.InCall == CallFlagDisconnected {
			sc.logger.Debug("participant disconnected", "session_id", user.SessionID)
			sc.removeParticipant(user.SessionID)
			if m := sc.getMedia(); m != nil {
				m.RemovePeer(user.SessionID)
			}
			continue
		}

		if user.InCall&CallFlagInCall == 0 {
			continue
		}
		if sc.updateParticipant(user.SessionID, user.InCall) {
			sc.logger.Debug("participant joined with audio, requesting offer", "session_id", user.SessionID)
			sc.sendOfferRequest(user.SessionID)
		}
	}

	if len(msg.Event.Update.Users) == 2 {
		sc.checkLastUserLeft(own, msg.Event.Update.Users)
	}
}

func (sc *Client) checkLastUserLeft(own string, users []UserUpdateEntry) {
	var us, them *UserUpdateEntry
	for i := range users {
		if users[i].SessionID == own {
			us = &users[i]
		} else {
			them = &users[i]
		}
	}
	if us == nil || them == nil {
		return
	}
	if us.InCall&CallFlagInCall != 0 && them.InCall == CallFlagDisconnected {
		sc.logger.Info("last participant left the call, closing")
		sc.Close()
	}
}

func (sc *Client) handleMessage(msg *SignalingMessage) {
	if msg.Message == nil || msg.Message.Data == nil || msg.Message.Sender == nil {
		return
	}
	m := sc.getMedia()
	if m == nil {
		return
	}

	data := msg.Message.Data
	sender := msg.Message.Sender.SessionID
	fromSelf := sender == sc.SessionID()

	switch data.Type {
	case "offer":
		if data.Payload == nil || fromSelf {
			return
		}
		sc.logger.Debug("received offer", "speaker_sid", sender, "offer_sid", data.SID)
		if err := m.HandleOffer(sender, data.SID, data.Payload.SDP); err != nil {
			sc.logger.Error("failed to handle offer", "error", err, "speaker_sid", sender)
		}

	case "answer":
		if data.Payload == nil || !fromSelf {
			return
		}
		if err := m.HandleAnswer(data.Payload.SDP); err != nil {
			sc.logger.Error("failed to handle publisher answer", "error", err)
		}

	case "candidate":
		if data.Payload == nil || data.Payload.Candidate == nil {
			return
		}
		c := data.Payload.Candidate
		cand := webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        &c.SDPMid,
			SDPMLineIndex: &c.SDPMLineIndex,
		}
		var err error
		if fromSelf {
			err = m.HandlePublisherCandidate(cand)
		} else {
			err = m.HandleCandidate(sender, cand)
		}
		if err != nil {
			sc.logger.Warn("failed to add ICE candidate", "error", err, "session_id", sender)
		}
	}
}

func (sc *Client) SendMessage(msg SignalingMessage) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.sendMessageLocked(msg)
}

func (sc *Client) sendMessageLocked(msg SignalingMessage) {
	if sc.conn == nil {
		return
	}
	id := sc.msgID.Add(1)
	msg.ID = strconv.FormatInt(id, 10)

	data, err := json.Marshal(msg)
	if err != nil {
		sc.logger.Error("failed to marshal message", "error", err)
		return
	}

	if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sc.logger.Error("failed to send message", "error", err)
	}
}

func receiveMessage(conn *websocket.Conn, timeout time.Duration) (*SignalingMessage, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	return &msg, nil
}

func (sc *Client) sendHello() {
	nonce := generateNonce()
	token := hmacSHA256(sc.secret, nonce)

	sc.sendMessageLocked(SignalingMessage{
		Type: "hello",
		Hello: &HelloMessage{
			Version: "2.0",
			Auth: &HelloAuth{
				Type: "internal",
				Params: &HelloAuthParams{
					Random:  nonce,
					Token:   token,
					Backend: sc.backend,
				},
			},
		},
	})
}

func (sc *Client) sendInCall() {
	sc.sendMessageLocked(SignalingMessage{
		Type: "internal",
		Internal: &InternalMessage{
			Type:   "incall",
			InCall: &InCallMessage{InCall: CallFlagInCall | CallFlagWithAudio},
		},
	})
}

func (sc *Client) sendJoin() {
	sc.sendMessageLocked(SignalingMessage{
		Type: "room",
		Room: &RoomMessage{
			RoomID:    sc.callID,
			SessionID: sc.sessionID,
		},
	})
}

func (sc *Client) sendOfferRequest(publisherSessionID string) {
	sc.SendMessage(SignalingMessage{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: publisherSessionID},
			Data: &MessagePayload{
				Type:     "requestoffer",
				RoomType: "video",
			},
		},
	})
}

// SendPublisherOffer offers the interpreter's own audio track to the
// server, addressed to the client's own session.
func (sc *Client) SendPublisherOffer(sdp string) {
	own := sc.SessionID()
	sc.SendMessage(SignalingMessage{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: own},
			Data: &MessagePayload{
				To:       own,
				Type:     "offer",
				RoomType: "video",
				SID:      sc.publisherSid,
				Payload: &SDPPayload{
					Nick: nick,
					Type: "offer",
					SDP:  sdp,
				},
			},
		},
	})
}

func (sc *Client) SendPublisherCandidate(c webrtc.ICECandidateInit) {
	sc.SendCandidate(sc.SessionID(), sc.publisherSid, c)
}

func (sc *Client) SendAnswer(peerID, offerSid, sdp string) {
	sc.SendMessage(SignalingMessage{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: peerID},
			Data: &MessagePayload{
				To:       peerID,
				Type:     "answer",
				RoomType: "video",
				SID:      offerSid,
				Payload: &SDPPayload{
					Nick: nick,
					Type: "answer",
					SDP:  sdp,
				},
			},
		},
	})
}

func (sc *Client) SendCandidate(peerID, offerSid string, c webrtc.ICECandidateInit) {
	info := &CandidateInfo{Candidate: c.Candidate, SDPMid: "0"}
	if c.SDPMid != nil {
		info.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		info.SDPMLineIndex = *c.SDPMLineIndex
	}
	sc.SendMessage(SignalingMessage{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: peerID},
			Data: &MessagePayload{
				To:       peerID,
				Type:     "candidate",
				SID:      offerSid,
				RoomType: "video",
				Payload:  &SDPPayload{Candidate: info},
			},
		},
	})
}

// SendCaption shows c to every participant in the call.
func (sc *Client) SendCaption(c transcript.Caption) {
	sc.participantsMu.Lock()
	targets := make([]string, 0, len(sc.participants))
	for sid := range sc.participants {
		targets = append(targets, sid)
	}
	sc.participantsMu.Unlock()

	final := c.Final
	own := sc.SessionID()
	for _, sid := range targets {
		sc.SendMessage(SignalingMessage{
			Type: "message",
			Message: &DataMessage{
				Recipient: &Recipient{Type: "session", SessionID: sid},
				Data: &MessagePayload{
					Type:             "transcript",
					Final:            &final,
					LangID:           c.LangID,
					Message:          c.Message,
					SpeakerSessionID: own,
				},
			},
		})
	}
}

func hmacSHA256(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateNonce() string {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		// Fallback to less random source
		for i := range b {
			b[i] = byte(time.Now().UnixNano() & 0xFF)
		}
	}
	return hex.EncodeToString(b)
}

var httpToWS = regexp.MustCompile(`^http://`)
var httpsToWSS = regexp.MustCompile(`^https://`)

func sanitizeWebSocketURL(wsURL string) string {
	wsURL = httpToWS.ReplaceAllString(wsURL, "ws://")
	wsURL = httpsToWSS.ReplaceAllString(wsURL, "wss://")
	wsURL = strings.TrimRight(wsURL, "/")
	if !strings.HasSuffix(wsURL, "/spreed") {
		wsURL += "/spreed"
	}
	return wsURL
}
