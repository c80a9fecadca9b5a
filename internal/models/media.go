package models

import (
	"fmt"
	"strings"
	"time"
)

// MediaSource represents a resolved remote video and every variant the backend offers
type MediaSource struct {
	URL       string        `json:"url"`
	VideoID   string        `json:"video_id"`
	Title     string        `json:"title"`
	Uploader  string        `json:"uploader,omitempty"`
	Extractor string        `json:"extractor,omitempty"`
	Duration  time.Duration `json:"duration"`

	Variants []VariantDescriptor `json:"variants"`

	ResolvedAt time.Time `json:"resolved_at"`
}

// Variant looks up a variant by its backend format id
func (m *MediaSource) Variant(formatID string) (VariantDescriptor, bool) {
	for _, v := range m.Variants {
		if v.FormatID == formatID {
			return v, true
		}
	}
	return VariantDescriptor{}, false
}

// VariantDescriptor represents one selectable stream of a media source
type VariantDescriptor struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`         // container extension (mp4, webm, m4a)
	VideoCodec string  `json:"vcodec,omitempty"`
	AudioCodec string  `json:"acodec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Bitrate    float64 `json:"bitrate_kbps,omitempty"`
	Note       string  `json:"note,omitempty"`

	Size       int64  `json:"size,omitempty"`        // exact size in bytes, 0 if unknown
	SizeApprox int64  `json:"size_approx,omitempty"` // backend estimate
	Checksum   string `json:"checksum,omitempty"`    // hex sha256, rarely provided

	AudioOnly bool `json:"audio_only"`
	VideoOnly bool `json:"video_only"`

	// Transfer details, never exposed to callers
	URL      string            `json:"-"`
	Protocol string            `json:"-"`
	Headers  map[string]string `json:"-"`
}

// EstimatedSize returns the exact size when known, else the backend estimate
func (v VariantDescriptor) EstimatedSize() int64 {
	if v.Size > 0 {
		return v.Size
	}
	return v.SizeApprox
}

// Progressive returns true for variants carrying both audio and video
func (v VariantDescriptor) Progressive() bool {
	return !v.AudioOnly && !v.VideoOnly
}

// Label returns a short human readable description, e.g. "720p mp4 (avc1/mp4a)"
func (v VariantDescriptor) Label() string {
	var b strings.Builder
	switch {
	case v.AudioOnly:
		if v.Bitrate > 0 {
			b.WriteString(fmt.Sprintf("audio %.0fk", v.Bitrate))
		} else {
			b.WriteString("audio")
		}
	case v.Height > 0:
		b.WriteString(fmt.Sprintf("%dp", v.Height))
	default:
		b.WriteString(v.FormatID)
	}
	if v.Ext != "" {
		b.WriteString(" " + v.Ext)
	}

	codecs := make([]string, 0, 2)
	if v.VideoCodec != "" {
		codecs = append(codecs, shortCodec(v.VideoCodec))
	}
	if v.AudioCodec != "" {
		codecs = append(codecs, shortCodec(v.AudioCodec))
	}
	if len(codecs) > 0 {
		b.WriteString(" (" + strings.Join(codecs, "/") + ")")
	}
	return b.String()
}

// shortCodec strips profile details: "avc1.64001F" -> "avc1"
func shortCodec(codec string) string {
	if i := strings.IndexByte(codec, '.'); i > 0 {
		return codec[:i]
	}
	return codec
}

// SearchResult represents one entry of a flat backend search
type SearchResult struct {
	URL      string        `json:"url"`
	VideoID  string        `json:"video_id"`
	Title    string        `json:"title"`
	Uploader string        `json:"uploader,omitempty"`
	Duration time.Duration `json:"duration"`
}
