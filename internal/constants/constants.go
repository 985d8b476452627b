// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package constants

import "time"

const (
	MsgReceiveTimeout = 10 * time.Second
	MaxConnectTries   = 5
	CallLeaveTimeout  = 60 * time.Second
	SendTimeout       = 10 * time.Second

	TimeoutIncreaseFactor = 1.5
	MaxCaptionSendTimeout = 60 * time.Second
	CaptionQueueSize      = 1000

	// Recognition input: 16 kHz, 16-bit, mono PCM.
	SampleRate     = 16000
	BytesPerSample = 2
	FrameDuration  = 20 * time.Millisecond
	// FrameBytes is one 20ms frame at SampleRate.
	FrameBytes = SampleRate / 50 * BytesPerSample

	// WebRTC side of the call runs opus at 48 kHz.
	CallSampleRate  = 48000
	CallFrameSample = CallSampleRate / 50

	InputBufferChunks   = 500 // 10s of 20ms frames
	EmitterQueueBuffers = 1000
	FinalQueueSize      = 32

	TranslateRetries      = 3
	TranslateRetryBackoff = 500 * time.Millisecond
	TranslateTimeout      = 15 * time.Second
	SynthesizeTimeout     = 15 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	StartupTimeout        = 30 * time.Second
)
