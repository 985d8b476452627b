// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package azure talks to the Azure speech service: continuous speech
// translation over its websocket protocol and text to speech over REST.
package azure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
)

var ErrMalformedMessage = errors.New("malformed speech service message")

const (
	pathSpeechConfig  = "speech.config"
	pathSpeechContext = "speech.context"
	pathAudio         = "audio"

	pathTurnStart         = "turn.start"
	pathTurnEnd           = "turn.end"
	pathSpeechStart       = "speech.startDetected"
	pathSpeechEnd         = "speech.endDetected"
	pathSpeechHypothesis  = "speech.hypothesis"
	pathSpeechPhrase      = "speech.phrase"
	pathTranslationHyp    = "translation.hypothesis"
	pathTranslationPhrase = "translation.phrase"
)

// Message is one frame of the speech websocket protocol: CRLF separated
// headers, a blank line, then the body.
type Message struct {
	Headers map[string]string
	Body    []byte
}

func (m *Message) Path() string {
	return m.Headers["path"]
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func headerBlock(path, requestID, contentType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Path: %s\r\n", path)
	fmt.Fprintf(&b, "X-RequestId: %s\r\n", requestID)
	fmt.Fprintf(&b, "X-Timestamp: %s\r\n", timestamp())
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	return b.String()
}

// textMessage frames a JSON control message.
func textMessage(path, requestID string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(headerBlock(path, requestID, "application/json"))
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// audioMessage frames a binary audio chunk: a big endian uint16 header
// length, the headers, then the audio. An empty chunk marks end of audio.
func audioMessage(requestID string, chunk []byte) []byte {
	headers := headerBlock(pathAudio, requestID, "audio/x-wav")
	msg := make([]byte, 2+len(headers)+len(chunk))
	binary.BigEndian.PutUint16(msg, uint16(len(headers)))
	copy(msg[2:], headers)
	copy(msg[2+len(headers):], chunk)
	return msg
}

// parseTextMessage splits an inbound text frame. Header names are lower
// cased.
func parseTextMessage(data []byte) (*Message, error) {
	head, body, ok := bytes.Cut(data, []byte("\r\n\r\n"))
	if !ok {
		return nil, fmt.Errorf("%w: no header terminator", ErrMalformedMessage)
	}
	msg := &Message{Headers: make(map[string]string), Body: body}
	for _, line := range strings.Split(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		msg.Headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if msg.Path() == "" {
		return nil, fmt.Errorf("%w: missing path header", ErrMalformedMessage)
	}
	return msg, nil
}

// parseAudioMessage splits a binary frame as written by audioMessage.
func parseAudioMessage(data []byte) (headers string, chunk []byte, err error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: short audio frame", ErrMalformedMessage)
	}
	n := int(binary.BigEndian.Uint16(data))
	if 2+n > len(data) {
		return "", nil, fmt.Errorf("%w: header length %d exceeds frame", ErrMalformedMessage, n)
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}

// wavHeader precedes the first audio chunk of a turn. The service streams,
// so the sizes are left at zero.
func wavHeader() []byte {
	const channels = 1
	const bitsPerSample = constants.BytesPerSample * 8
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], channels)
	binary.LittleEndian.PutUint32(h[24:], constants.SampleRate)
	binary.LittleEndian.PutUint32(h[28:], constants.SampleRate*channels*constants.BytesPerSample)
	binary.LittleEndian.PutUint16(h[32:], channels*constants.BytesPerSample)
	binary.LittleEndian.PutUint16(h[34:], bitsPerSample)
	copy(h[36:], "data")
	return h
}

type speechConfig struct {
	Context struct {
		System struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"system"`
		Audio struct {
			Source struct {
				Type       string `json:"type"`
				SampleRate int    `json:"samplerate"`
				Bits       int    `json:"bitspersample"`
				Channels   int    `json:"channelcount"`
			} `json:"source"`
		} `json:"audio"`
	} `json:"context"`
}

func newSpeechConfig() speechConfig {
	var c speechConfig
	c.Context.System.Name = "go_live_interpreter"
	c.Context.System.Version = "1.0"
	c.Context.Audio.Source.Type = "Stream"
	c.Context.Audio.Source.SampleRate = constants.SampleRate
	c.Context.Audio.Source.Bits = constants.BytesPerSample * 8
	c.Context.Audio.Source.Channels = 1
	return c
}

type languageIDContext struct {
	LanguageID struct {
		Languages []string `json:"languages"`
		Mode      string   `json:"mode"`
		OnSuccess struct {
			Action string `json:"action"`
		} `json:"onSuccess"`
		OnUnknown struct {
			Action string `json:"action"`
		} `json:"onUnknown"`
	} `json:"languageId"`
}

func newLanguageIDContext(locales []string) languageIDContext {
	var c languageIDContext
	c.LanguageID.Languages = locales
	c.LanguageID.Mode = "DetectContinuous"
	c.LanguageID.OnSuccess.Action = "Recognize"
	c.LanguageID.OnUnknown.Action = "None"
	return c
}

type translationEntry struct {
	Language string `json:"Language"`
	Text     string `json:"Text"`
}

// phrase covers speech.* and translation.* hypothesis and phrase bodies.
type phrase struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	Text              string `json:"Text"`
	DisplayText       string `json:"DisplayText"`
	PrimaryLanguage   *struct {
		Language   string `json:"Language"`
		Confidence string `json:"Confidence"`
	} `json:"PrimaryLanguage,omitempty"`
	Translation *struct {
		TranslationStatus string             `json:"TranslationStatus"`
		Translations      []translationEntry `json:"Translations"`
	} `json:"Translation,omitempty"`
}
