package postprocess

import "strings"

type audioTarget struct {
	encoder string
	family  string // source family that can be stream-copied
	bitrate bool   // honours -b:a
}

var audioTargets = map[string]audioTarget{
	"mp3":  {encoder: "libmp3lame", family: "mp3", bitrate: true},
	"m4a":  {encoder: "aac", family: "aac", bitrate: true},
	"opus": {encoder: "libopus", family: "opus", bitrate: true},
	"flac": {encoder: "flac", family: "flac"},
	"wav":  {encoder: "pcm_s16le"},
}

type container struct {
	video        []string
	audio        []string
	videoEncoder string
	audioEncoder string
	faststart    bool
}

// nil codec lists accept anything
var containers = map[string]container{
	"mkv": {},
	"mp4": {
		video:        []string{"h264", "hevc", "av1"},
		audio:        []string{"aac", "mp3"},
		videoEncoder: "libx264",
		audioEncoder: "aac",
		faststart:    true,
	},
	"mov": {
		video:        []string{"h264", "hevc"},
		audio:        []string{"aac", "mp3"},
		videoEncoder: "libx264",
		audioEncoder: "aac",
		faststart:    true,
	},
	"webm": {
		video:        []string{"vp8", "vp9", "av1"},
		audio:        []string{"opus", "vorbis"},
		videoEncoder: "libvpx-vp9",
		audioEncoder: "libopus",
	},
}

// SupportedAudioFormats lists the audio extraction targets
func SupportedAudioFormats() []string {
	return []string{"mp3", "m4a", "opus", "flac", "wav"}
}

// SupportedContainers lists the re-container targets
func SupportedContainers() []string {
	return []string{"mkv", "mp4", "webm", "mov"}
}

// CodecFamily normalizes a codec string as reported by the backend
// ("avc1.64001F", "mp4a.40.2") to the name used in the tables above
func CodecFamily(codec string) string {
	c := strings.ToLower(codec)
	switch {
	case c == "" || c == "none":
		return ""
	case strings.HasPrefix(c, "avc"), strings.HasPrefix(c, "h264"):
		return "h264"
	case strings.HasPrefix(c, "hev"), strings.HasPrefix(c, "hvc"), strings.HasPrefix(c, "h265"):
		return "hevc"
	case strings.HasPrefix(c, "av01"), c == "av1":
		return "av1"
	case strings.HasPrefix(c, "vp09"), strings.HasPrefix(c, "vp9"):
		return "vp9"
	case strings.HasPrefix(c, "vp8"):
		return "vp8"
	case strings.HasPrefix(c, "mp3"), c == "mp4a.40.34":
		return "mp3"
	case strings.HasPrefix(c, "mp4a"), c == "aac":
		return "aac"
	case strings.HasPrefix(c, "opus"):
		return "opus"
	case strings.HasPrefix(c, "vorbis"):
		return "vorbis"
	case strings.HasPrefix(c, "flac"):
		return "flac"
	default:
		return c
	}
}

func accepts(list []string, family string) bool {
	if list == nil {
		return true
	}
	if family == "" {
		return false
	}
	for _, f := range list {
		if f == family {
			return true
		}
	}
	return false
}
