package ytdlp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amaumene/ytgrab/internal/models"
)

// InfoResponse is the subset of the yt-dlp single JSON dump we consume
type InfoResponse struct {
	Type       string   `json:"_type"`
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Uploader   string   `json:"uploader"`
	Channel    string   `json:"channel"`
	Duration   float64  `json:"duration"`
	Extractor  string   `json:"extractor_key"`
	WebpageURL string   `json:"webpage_url"`
	URL        string   `json:"url"`
	Formats    []Format `json:"formats"`
	Entries    []Entry  `json:"entries"`
}

// Format is one entry of the "formats" array
type Format struct {
	FormatID       string            `json:"format_id"`
	FormatNote     string            `json:"format_note"`
	Ext            string            `json:"ext"`
	VCodec         string            `json:"vcodec"`
	ACodec         string            `json:"acodec"`
	Width          *int              `json:"width"`
	Height         *int              `json:"height"`
	FPS            *float64          `json:"fps"`
	TBR            *float64          `json:"tbr"`
	ABR            *float64          `json:"abr"`
	Filesize       *int64            `json:"filesize"`
	FilesizeApprox *float64          `json:"filesize_approx"`
	URL            string            `json:"url"`
	Protocol       string            `json:"protocol"`
	HTTPHeaders    map[string]string `json:"http_headers"`
}

// Entry is one item of a flat playlist or search result
type Entry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Uploader string  `json:"uploader"`
	Channel  string  `json:"channel"`
	Duration float64 `json:"duration"`
}

// Only direct HTTP transfers are fetchable by the stream client
var directProtocols = map[string]bool{
	"":      true,
	"http":  true,
	"https": true,
}

// ParseInfo converts a single JSON dump into a MediaSource. Formats that
// cannot be fetched directly (manifests, storyboards) are skipped.
func ParseInfo(data []byte) (*models.MediaSource, error) {
	var info InfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode info: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("info has no video id")
	}
	if info.Type == "playlist" {
		return nil, fmt.Errorf("expected a single video, got a playlist")
	}

	source := &models.MediaSource{
		URL:        info.WebpageURL,
		VideoID:    info.ID,
		Title:      info.Title,
		Uploader:   firstNonEmpty(info.Uploader, info.Channel),
		Extractor:  info.Extractor,
		Duration:   time.Duration(info.Duration * float64(time.Second)),
		ResolvedAt: time.Now(),
	}

	for _, f := range info.Formats {
		if v, ok := toVariant(f); ok {
			source.Variants = append(source.Variants, v)
		}
	}
	return source, nil
}

func toVariant(f Format) (models.VariantDescriptor, bool) {
	if f.URL == "" || !directProtocols[f.Protocol] {
		return models.VariantDescriptor{}, false
	}
	if f.Ext == "mhtml" || strings.HasPrefix(f.FormatNote, "storyboard") {
		return models.VariantDescriptor{}, false
	}

	hasVideo := f.VCodec != "" && f.VCodec != "none"
	hasAudio := f.ACodec != "" && f.ACodec != "none"
	if !hasVideo && !hasAudio {
		return models.VariantDescriptor{}, false
	}

	v := models.VariantDescriptor{
		FormatID:  f.FormatID,
		Ext:       f.Ext,
		Note:      f.FormatNote,
		AudioOnly: hasAudio && !hasVideo,
		VideoOnly: hasVideo && !hasAudio,
		URL:       f.URL,
		Protocol:  f.Protocol,
		Headers:   f.HTTPHeaders,
	}
	if hasVideo {
		v.VideoCodec = f.VCodec
	}
	if hasAudio {
		v.AudioCodec = f.ACodec
	}
	if f.Width != nil {
		v.Width = *f.Width
	}
	if f.Height != nil {
		v.Height = *f.Height
	}
	if f.FPS != nil {
		v.FPS = *f.FPS
	}
	switch {
	case f.TBR != nil:
		v.Bitrate = *f.TBR
	case f.ABR != nil:
		v.Bitrate = *f.ABR
	}
	if f.Filesize != nil {
		v.Size = *f.Filesize
	}
	if f.FilesizeApprox != nil {
		v.SizeApprox = int64(*f.FilesizeApprox)
	}
	return v, true
}

// ParseSearch converts a flat "ytsearch" dump into search results
func ParseSearch(data []byte) ([]models.SearchResult, error) {
	var info InfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	results := make([]models.SearchResult, 0, len(info.Entries))
	for _, e := range info.Entries {
		if e.ID == "" {
			continue
		}
		url := e.URL
		if !strings.HasPrefix(url, "http") {
			url = "https://www.youtube.com/watch?v=" + e.ID
		}
		results = append(results, models.SearchResult{
			URL:      url,
			VideoID:  e.ID,
			Title:    e.Title,
			Uploader: firstNonEmpty(e.Uploader, e.Channel),
			Duration: time.Duration(e.Duration * float64(time.Second)),
		})
	}
	return results, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
