// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rtc carries call audio over WebRTC: speakers' opus tracks come in
// as 16 kHz PCM frames, synthesized PCM goes out on a published opus track.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/media"
)

var (
	ErrCallClosed   = errors.New("call closed")
	ErrNotPublished = errors.New("outbound track not published")
)

// Signaler carries SDP and ICE candidates to the call platform.
type Signaler interface {
	SendPublisherOffer(sdp string)
	SendPublisherCandidate(candidate webrtc.ICECandidateInit)
	SendAnswer(peerID, sid, sdp string)
	SendCandidate(peerID, sid string, candidate webrtc.ICECandidateInit)
}

type Call struct {
	id         string
	iceServers []webrtc.ICEServer
	signaler   Signaler
	mixer      *media.Mixer

	handlerMu sync.RWMutex
	onFrame   func(*media.AudioFrame)
	onStatus  func(media.SendStatus)

	peersMu     sync.Mutex
	subscribers map[string]*webrtc.PeerConnection
	publisher   *webrtc.PeerConnection
	track       *webrtc.TrackLocalStaticSample

	encMu  sync.Mutex
	enc    *opus.Encoder
	encBuf []byte

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	logger *slog.Logger
}

func NewCall(id string, iceServers []webrtc.ICEServer, signaler Signaler, logger *slog.Logger) *Call {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		id:          id,
		iceServers:  iceServers,
		signaler:    signaler,
		subscribers: make(map[string]*webrtc.PeerConnection),
		encBuf:      make([]byte, 1275), // max opus packet
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("component", "rtc_call", "call_id", id),
	}
	// speakers are mixed into one stream like a single call microphone
	c.mixer = media.NewMixer(media.NewFramePool(constants.FrameBytes), c.emitFrame, c.logger)
	go c.mixer.Run(ctx, constants.FrameDuration)
	return c
}

func (c *Call) OnFrame(fn func(*media.AudioFrame)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onFrame = fn
}

func (c *Call) OnSendStatusChanged(fn func(media.SendStatus)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onStatus = fn
}

func (c *Call) emitFrame(f *media.AudioFrame) {
	c.handlerMu.RLock()
	fn := c.onFrame
	c.handlerMu.RUnlock()
	if fn == nil {
		f.Release()
		return
	}
	fn(f)
}

func (c *Call) emitStatus(s media.SendStatus) {
	c.handlerMu.RLock()
	fn := c.onStatus
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Call) newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
}

// HandleOffer answers a speaker's offer and starts reading their audio.
func (c *Call) HandleOffer(peerID, sid, sdp string) error {
	if c.closed.Load() {
		return ErrCallClosed
	}
	c.RemovePeer(peerID)

	pc, err := c.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		pc.Close()
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state changed", "peer_id", peerID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.peersMu.Lock()
			if c.subscribers[peerID] == pc {
				delete(c.subscribers, peerID)
			}
			c.peersMu.Unlock()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go c.readAudioTrack(peerID, track)
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.signaler.SendCandidate(peerID, sid, cand.ToJSON())
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	c.peersMu.Lock()
	c.subscribers[peerID] = pc
	c.peersMu.Unlock()

	c.signaler.SendAnswer(peerID, sid, answer.SDP)
	c.logger.Debug("answered offer", "peer_id", peerID)
	return nil
}

// HandleCandidate adds a remote candidate for a speaker's connection.
// Candidates for unknown peers are ignored.
func (c *Call) HandleCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	c.peersMu.Lock()
	pc := c.subscribers[peerID]
	c.peersMu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(cand)
}

func (c *Call) HandlePublisherCandidate(cand webrtc.ICECandidateInit) error {
	c.peersMu.Lock()
	pc := c.publisher
	c.peersMu.Unlock()

	if pc == nil {
		return ErrNotPublished
	}
	return pc.AddICECandidate(cand)
}

// HandleAnswer completes the outbound negotiation started by Open.
func (c *Call) HandleAnswer(sdp string) error {
	c.peersMu.Lock()
	pc := c.publisher
	c.peersMu.Unlock()
	if pc == nil {
		return ErrNotPublished
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Call) RemovePeer(peerID string) {
	c.peersMu.Lock()
	pc, ok := c.subscribers[peerID]
	delete(c.subscribers, peerID)
	c.peersMu.Unlock()
	c.mixer.RemoveSpeaker(peerID)
	if ok {
		pc.Close()
	}
}

func (c *Call) readAudioTrack(peerID string, track *webrtc.TrackRemote) {
	c.logger.Info("audio track reader started", "peer_id", peerID,
		"codec", track.Codec().MimeType,
		"sample_rate", track.Codec().ClockRate,
		"channels", track.Codec().Channels,
	)
	defer c.logger.Info("audio track reader stopped", "peer_id", peerID)

	const channels = 1
	dec, err := opus.NewDecoder(constants.CallSampleRate, channels)
	if err != nil {
		c.logger.Error("failed to create opus decoder", "error", err, "peer_id", peerID)
		return
	}

	pcmBuf := make([]int16, 5760) // max 120ms at 48kHz
	rtpBuf := make([]byte, 4096)

	for {
		if c.ctx.Err() != nil {
			return
		}

		n, _, readErr := track.Read(rtpBuf)
		if readErr != nil {
			c.logger.Debug("track read error", "peer_id", peerID, "error", readErr)
			return
		}
		if n == 0 {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(rtpBuf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		samplesDecoded, err := dec.Decode(packet.Payload, pcmBuf)
		if err != nil {
			c.logger.Debug("opus decode error", "error", err, "peer_id", peerID)
			continue
		}
		if samplesDecoded == 0 {
			continue
		}

		c.mixer.Write(peerID, media.Downsample48to16(pcmBuf[:samplesDecoded]))
	}
}

// Open publishes the outbound audio track. The send status turns Active once
// the platform has answered and the connection is up.
func (c *Call) Open(context.Context) error {
	if c.closed.Load() {
		return ErrCallClosed
	}

	enc, err := opus.NewEncoder(constants.CallSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: constants.CallSampleRate, Channels: 1},
		"audio", "interpreter-"+c.id,
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create publisher connection: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	// drain RTCP so interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Info("publisher connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateConnected {
			c.emitStatus(media.SendStatusActive)
		} else {
			c.emitStatus(media.SendStatusInactive)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.signaler.SendPublisherCandidate(cand.ToJSON())
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	c.encMu.Lock()
	c.enc = enc
	c.encMu.Unlock()

	c.peersMu.Lock()
	c.publisher = pc
	c.track = track
	c.peersMu.Unlock()

	c.signaler.SendPublisherOffer(offer.SDP)
	c.logger.Info("published outbound audio track")
	return nil
}

// Send encodes one 20ms buffer of 16 kHz PCM and writes it to the track.
func (c *Call) Send(pcm []byte, _ time.Time, duration time.Duration) error {
	if c.closed.Load() {
		return ErrCallClosed
	}
	c.peersMu.Lock()
	track := c.track
	c.peersMu.Unlock()
	if track == nil {
		return ErrNotPublished
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()

	samples := media.Upsample16to48(media.BytesToInt16(pcm))
	n, err := c.enc.Encode(samples, c.encBuf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	// WriteSample copies the payload into its packets
	return track.WriteSample(pionmedia.Sample{Data: c.encBuf[:n], Duration: duration})
}

func (c *Call) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.peersMu.Lock()
	var errs []error
	for id, pc := range c.subscribers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.subscribers, id)
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		c.publisher = nil
		c.track = nil
	}
	c.peersMu.Unlock()

	c.logger.Info("call media closed")
	return errors.Join(errs...)
}
