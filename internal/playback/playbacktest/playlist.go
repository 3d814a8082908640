// Package playbacktest serves live HLS playlists and segments for tests.
package playbacktest

import (
	"fmt"
	"math"
	"strings"
)

// Segment is one entry of a generated media playlist.
type Segment struct {
	Sequence uint64
	Duration float64
	Path     string
}

// BuildLivePlaylist renders segments (ordered by sequence ascending) as an
// HLS media playlist. If ended is true, #EXT-X-ENDLIST is appended. An empty
// slice produces a minimal valid playlist with media sequence 0.
func BuildLivePlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// BuildMasterPlaylist lists variant playlists keyed by bandwidth.
func BuildMasterPlaylist(variants map[uint32]string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for bw, uri := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=%d\n%s\n", bw, uri)
	}
	return b.String()
}

// targetDuration is the ceiling of the longest segment, at least 1.
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
