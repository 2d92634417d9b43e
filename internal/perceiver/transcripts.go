// Package perceiver implements the stream perceiver: it consumes frame and
// transcript entries, joins them per room inside a time window, asks an LLM
// for a structured observation and emits it on the observations stream.
package perceiver

import (
	"sort"

	"github.com/chorus-chat/chorus/internal/protocol"
)

type bufferedSegment struct {
	tsMS int64
	seg  *protocol.StreamTranscriptSegment
}

// TranscriptBuffer holds recent transcript segments per room, sorted by
// timestamp and pruned against a per-room watermark. The watermark only
// advances, so late frames still see the transcripts around them.
type TranscriptBuffer struct {
	retentionMS int64
	watermarkMS map[string]int64
	segments    map[string][]bufferedSegment
}

// NewTranscriptBuffer returns an empty buffer with the given retention.
func NewTranscriptBuffer(retentionMS int64) *TranscriptBuffer {
	return &TranscriptBuffer{
		retentionMS: retentionMS,
		watermarkMS: map[string]int64{},
		segments:    map[string][]bufferedSegment{},
	}
}

// AdvanceWatermark moves the room's watermark forward, never backward, and
// prunes segments that fell out of the retention window.
func (b *TranscriptBuffer) AdvanceWatermark(roomID string, tsMS int64) {
	if tsMS > b.watermarkMS[roomID] {
		b.watermarkMS[roomID] = tsMS
	}
	b.prune(roomID)
}

func (b *TranscriptBuffer) prune(roomID string) {
	watermark, ok := b.watermarkMS[roomID]
	if !ok {
		return
	}
	cutoff := watermark - b.retentionMS
	buf := b.segments[roomID]
	if len(buf) == 0 {
		return
	}
	kept := buf[:0]
	for _, item := range buf {
		if item.tsMS >= cutoff {
			kept = append(kept, item)
		}
	}
	b.segments[roomID] = kept
}

// Record buffers one segment under its room, keeping the buffer sorted by
// (timestamp, id).
func (b *TranscriptBuffer) Record(seg *protocol.StreamTranscriptSegment, tsMS int64) {
	if seg.RoomID == "" {
		return
	}
	if tsMS > b.watermarkMS[seg.RoomID] {
		b.watermarkMS[seg.RoomID] = tsMS
	}
	buf := append(b.segments[seg.RoomID], bufferedSegment{tsMS: tsMS, seg: seg})
	sort.SliceStable(buf, func(i, j int) bool {
		if buf[i].tsMS != buf[j].tsMS {
			return buf[i].tsMS < buf[j].tsMS
		}
		return buf[i].seg.ID < buf[j].seg.ID
	})
	b.segments[seg.RoomID] = buf
	b.prune(seg.RoomID)
}

// Join returns the room's segments within ±windowMS of the frame timestamp,
// ordered by (timestamp, id).
func (b *TranscriptBuffer) Join(roomID string, frameTSMS, windowMS int64) []*protocol.StreamTranscriptSegment {
	var joined []*protocol.StreamTranscriptSegment
	for _, item := range b.segments[roomID] {
		delta := item.tsMS - frameTSMS
		if delta < 0 {
			delta = -delta
		}
		if delta <= windowMS {
			joined = append(joined, item.seg)
		}
	}
	return joined
}

// Len reports how many segments a room currently buffers.
func (b *TranscriptBuffer) Len(roomID string) int {
	return len(b.segments[roomID])
}
