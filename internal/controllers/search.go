package controllers

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/utils"
)

// Finder resolves URLs and runs flat searches
type Finder interface {
	Resolve(ctx context.Context, url string) (*models.MediaSource, error)
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// Inspection describes what a URL offers
type Inspection struct {
	Source *models.MediaSource `json:"source"`
	// Variants are ranked best first
	Variants []models.VariantDescriptor `json:"variants"`
	// Presets maps each quality preset to the format id it selects
	Presets map[string]string `json:"presets"`
}

// SearchController handles lookups that do not create jobs
type SearchController struct {
	finder Finder
	logger *logrus.Logger
}

// NewSearchController creates a new search controller
func NewSearchController(finder Finder, logger *logrus.Logger) *SearchController {
	return &SearchController{
		finder: finder,
		logger: logger,
	}
}

// Search runs a flat search on the media site
func (c *SearchController) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	c.logger.WithFields(logrus.Fields{
		"query": query,
		"limit": limit,
	}).Info("Starting search")

	results, err := c.finder.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	c.logger.WithField("count", len(results)).Debug("Search completed")
	return results, nil
}

// Inspect resolves a URL and reports its variants and what each quality
// preset would pick
func (c *SearchController) Inspect(ctx context.Context, url string) (*Inspection, error) {
	source, err := c.finder.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}

	presets := make(map[string]string, len(utils.Presets))
	for _, q := range utils.Presets {
		mode := models.OutputModeVideo
		if q.Audio {
			mode = models.OutputModeAudio
		}
		variant, err := utils.SelectVariant(source, mode, q, "")
		if err != nil {
			continue
		}
		presets[q.Name] = variant.FormatID
	}

	c.logger.WithFields(logrus.Fields{
		"url":      url,
		"title":    source.Title,
		"variants": len(source.Variants),
	}).Debug("Inspected media")

	return &Inspection{
		Source:   source,
		Variants: utils.RankVariants(source.Variants),
		Presets:  presets,
	}, nil
}

// Refresh drops a cached resolution so the next Inspect asks the backend again
func (c *SearchController) Refresh(url string) {
	if f, ok := c.finder.(interface{ Forget(string) }); ok {
		f.Forget(url)
	}
}

// Describe renders an inspection as text for terminals
func (i *Inspection) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", i.Source.Title)
	if i.Source.Uploader != "" {
		fmt.Fprintf(&b, "by %s, ", i.Source.Uploader)
	}
	fmt.Fprintf(&b, "%s\n\n", i.Source.Duration)

	for _, v := range i.Variants {
		size := ""
		if s := v.EstimatedSize(); s > 0 {
			size = fmt.Sprintf("%.1f MiB", float64(s)/(1<<20))
		}
		fmt.Fprintf(&b, "  %-6s %-32s %s\n", v.FormatID, v.Label(), size)
	}
	return b.String()
}
