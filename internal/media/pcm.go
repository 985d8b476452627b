// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import "encoding/binary"

const resampleRatio = 3 // 48000 / 16000

func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToInt16 decodes little endian samples; a trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Downsample48to16 averages every three samples.
func Downsample48to16(samples []int16) []int16 {
	outLen := len(samples) / resampleRatio
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		sum := int32(samples[i*resampleRatio]) + int32(samples[i*resampleRatio+1]) + int32(samples[i*resampleRatio+2])
		out[i] = int16(sum / resampleRatio)
	}
	return out
}

// Upsample16to48 interpolates linearly between neighbouring samples.
func Upsample16to48(samples []int16) []int16 {
	out := make([]int16, len(samples)*resampleRatio)
	for i, s := range samples {
		next := s
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		delta := int32(next) - int32(s)
		for j := 0; j < resampleRatio; j++ {
			out[i*resampleRatio+j] = int16(int32(s) + delta*int32(j)/resampleRatio)
		}
	}
	return out
}
