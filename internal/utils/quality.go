package utils

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/amaumene/ytgrab/internal/models"
)

// Quality is a named variant selection preset
type Quality struct {
	Name      string
	MaxHeight int // 0 = no ceiling
	Worst     bool
	Audio     bool
}

// Presets in the order they are offered to users
var Presets = []Quality{
	{Name: "best"},
	{Name: "2160p (4K)", MaxHeight: 2160},
	{Name: "1440p (2K)", MaxHeight: 1440},
	{Name: "1080p", MaxHeight: 1080},
	{Name: "720p", MaxHeight: 720},
	{Name: "480p", MaxHeight: 480},
	{Name: "360p", MaxHeight: 360},
	{Name: "240p", MaxHeight: 240},
	{Name: "144p", MaxHeight: 144, Worst: true},
	{Name: "worst", Worst: true},
	{Name: "audio", Audio: true},
}

// AudioBitrates offered for audio extraction, in kbps
var AudioBitrates = []string{"128", "192", "320"}

var (
	heightRegex = regexp.MustCompile(`^(\d{3,4})p?$`)
	aliases     = map[string]string{
		"4k":        "2160p (4K)",
		"uhd":       "2160p (4K)",
		"2k":        "1440p (2K)",
		"qhd":       "1440p (2K)",
		"fhd":       "1080p",
		"hd":        "720p",
		"sd":        "480p",
		"mp3":       "audio",
		"bestaudio": "audio",
	}
)

// ParseQuality resolves user input to a preset. It accepts exact names,
// bare heights ("1080"), common aliases ("4k") and near misses ("1080o").
// Empty input means "best".
func ParseQuality(input string) (Quality, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return Presets[0], nil
	}

	if alias, ok := aliases[s]; ok {
		s = strings.ToLower(alias)
	}

	for _, q := range Presets {
		name := strings.ToLower(q.Name)
		if s == name || s == strings.Fields(name)[0] {
			return q, nil
		}
	}

	if m := heightRegex.FindStringSubmatch(s); m != nil {
		height, _ := strconv.Atoi(m[1])
		for _, q := range Presets {
			if q.MaxHeight == height {
				return q, nil
			}
		}
		return Quality{Name: fmt.Sprintf("%dp", height), MaxHeight: height}, nil
	}

	// Tolerate a single typo against preset short names
	best, bestDist := Quality{}, 2
	for _, q := range Presets {
		short := strings.Fields(strings.ToLower(q.Name))[0]
		if d := levenshtein.ComputeDistance(s, short); d < bestDist {
			best, bestDist = q, d
		}
	}
	if best.Name != "" {
		return best, nil
	}

	return Quality{}, fmt.Errorf("unknown quality %q", input)
}

// RankVariants sorts variants best first:
// 1. Height (taller is better)
// 2. Bitrate (higher is better)
// 3. Size (larger is better)
func RankVariants(variants []models.VariantDescriptor) []models.VariantDescriptor {
	sorted := make([]models.VariantDescriptor, len(variants))
	copy(sorted, variants)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Height != sorted[j].Height {
			return sorted[i].Height > sorted[j].Height
		}
		if sorted[i].Bitrate != sorted[j].Bitrate {
			return sorted[i].Bitrate > sorted[j].Bitrate
		}
		return sorted[i].EstimatedSize() > sorted[j].EstimatedSize()
	})

	return sorted
}

// SelectVariant picks the variant a job should fetch.
//
// An explicit format id always wins. Audio mode (or the audio preset) takes
// the best audio-only stream, falling back to a progressive one since the
// audio is extracted afterwards anyway. Other modes take the best progressive
// variant under the preset ceiling, or the lowest one when nothing fits.
func SelectVariant(source *models.MediaSource, mode models.OutputMode, q Quality, formatID string) (models.VariantDescriptor, error) {
	if formatID != "" {
		if v, ok := source.Variant(formatID); ok {
			return v, nil
		}
		return models.VariantDescriptor{}, fmt.Errorf("format %q not offered", formatID)
	}

	var audio, progressive []models.VariantDescriptor
	for _, v := range source.Variants {
		switch {
		case v.AudioOnly:
			audio = append(audio, v)
		case v.Progressive():
			progressive = append(progressive, v)
		}
	}

	if mode == models.OutputModeAudio || q.Audio {
		if len(audio) > 0 {
			return RankVariants(audio)[0], nil
		}
		if len(progressive) > 0 {
			ranked := RankVariants(progressive)
			return ranked[len(ranked)-1], nil
		}
		return models.VariantDescriptor{}, fmt.Errorf("no audio variant offered")
	}

	if len(progressive) == 0 {
		return models.VariantDescriptor{}, fmt.Errorf("no variant with both audio and video offered")
	}

	ranked := RankVariants(progressive)
	if q.Worst && q.MaxHeight == 0 {
		return ranked[len(ranked)-1], nil
	}

	var fitting []models.VariantDescriptor
	for _, v := range ranked {
		if q.MaxHeight == 0 || v.Height <= q.MaxHeight {
			fitting = append(fitting, v)
		}
	}
	if len(fitting) == 0 {
		return ranked[len(ranked)-1], nil
	}
	if q.Worst {
		return fitting[len(fitting)-1], nil
	}
	return fitting[0], nil
}

// OutputExt returns the artifact extension for a mode
func OutputExt(mode models.OutputMode, variant models.VariantDescriptor, audioFormat, container string) string {
	switch mode {
	case models.OutputModeAudio:
		if audioFormat == "" {
			return "mp3"
		}
		return strings.ToLower(audioFormat)
	case models.OutputModeRecontainer:
		if container == "" {
			return "mkv"
		}
		return strings.ToLower(container)
	default:
		if variant.Ext == "" {
			return "mp4"
		}
		return variant.Ext
	}
}
