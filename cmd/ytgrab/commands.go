package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/amaumene/ytgrab/internal/api/handlers"
	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/services/ffmpeg"
	"github.com/amaumene/ytgrab/internal/services/ytdlp"
	"github.com/amaumene/ytgrab/internal/utils"
)

func newResolveCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "resolve <url>",
		Short: "List the formats a video offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.SetOutput(os.Stderr)

			res, _ := newResolver(cfg, logger)
			inspection, err := controllers.NewSearchController(res, logger).Inspect(cmd.Context(), args[0])
			if err != nil {
				return describeError(err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inspection)
			}

			fmt.Fprint(cmd.OutOrStdout(), inspection.Describe())
			fmt.Fprintln(cmd.OutOrStdout())
			for _, q := range utils.Presets {
				if id, ok := inspection.Presets[q.Name]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s -> %s\n", q.Name, id)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search videos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.SetOutput(os.Stderr)

			res, _ := newResolver(cfg, logger)
			query := args[0]
			for _, arg := range args[1:] {
				query += " " + arg
			}
			results, err := controllers.NewSearchController(res, logger).Search(cmd.Context(), query, limit)
			if err != nil {
				return describeError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.VideoID, r.Title, r.Uploader, r.Duration)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results")
	return cmd
}

func newGetCommand() *cobra.Command {
	var (
		req  models.JobRequest
		mode string
	)

	cmd := &cobra.Command{
		Use:   "get <url>...",
		Short: "Download videos with progress bars",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Destination != "" && len(args) > 1 {
				return fmt.Errorf("--output needs a single URL")
			}
			req.Mode = models.OutputMode(mode)
			return runGet(cmd.Context(), args, req)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.Quality, "quality", "q", "", "quality preset: best, 1080p, 720p, worst, audio...")
	flags.StringVarP(&mode, "mode", "m", string(models.OutputModeVideo), "video, audio or recontainer")
	flags.StringVarP(&req.FormatID, "format", "f", "", "explicit format id, see resolve")
	flags.StringVar(&req.AudioFormat, "audio-format", "", "audio target: mp3, m4a, opus, flac, wav")
	flags.StringVar(&req.AudioBitrate, "audio-bitrate", "", "audio bitrate in kbps: 128, 192, 320")
	flags.StringVar(&req.Container, "container", "", "recontainer target: mkv, mp4, webm, mov")
	flags.StringVarP(&req.Destination, "output", "o", "", "output file")
	return cmd
}

// jobBar is the progress bar of one job
type jobBar struct {
	bar   *mpb.Bar
	stage atomic.Value
}

func (b *jobBar) update(ev models.StatusEvent) {
	b.stage.Store(string(ev.State))
	switch ev.State {
	case models.JobStateCompleted:
		b.bar.SetCurrent(barTotal)
		b.bar.SetTotal(-1, true)
	case models.JobStateFailed, models.JobStateCancelled:
		b.bar.Abort(false)
	default:
		// a bar completes when it reaches its total
		b.bar.SetCurrent(int64(ev.Progress * (barTotal - 1)))
	}
}

const barTotal = 1000

func runGet(ctx context.Context, urls []string, tmpl models.JobRequest) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.SetOutput(os.Stderr)
	if logger.GetLevel() == logrus.InfoLevel {
		logger.SetLevel(logrus.WarnLevel)
	}

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	a.jobs.Start(workerCtx)
	defer func() {
		stopWorkers()
		a.jobs.Wait()
	}()

	// events wait in the bus until the loop below reads them
	events := make(chan models.StatusEvent)
	unsubscribe := a.jobs.Subscribe(func(ev models.StatusEvent) {
		select {
		case events <- ev:
		case <-workerCtx.Done():
		}
	})
	defer unsubscribe()

	p := mpb.NewWithContext(workerCtx, mpb.WithWidth(40))
	bars := make(map[string]*jobBar)
	failed := 0

	for _, url := range urls {
		req := tmpl
		req.URL = url
		st, err := a.jobs.Enqueue(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", url, describeError(err))
			failed++
			continue
		}

		name := st.Title
		if name == "" {
			name = url
		}
		b := &jobBar{}
		b.stage.Store(string(st.State))
		b.bar = p.AddBar(barTotal,
			mpb.PrependDecorators(
				decor.Name(truncate(name, 40), decor.WCSyncSpaceR),
				decor.Any(func(decor.Statistics) string { return b.stage.Load().(string) }, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
		)
		bars[st.ID] = b
	}

	remaining := len(bars)
	interrupted := ctx.Done()
	for remaining > 0 {
		select {
		case ev := <-events:
			b, ok := bars[ev.JobID]
			if !ok {
				continue
			}
			b.update(ev)
			if ev.State.IsTerminal() {
				remaining--
			}
		case <-interrupted:
			interrupted = nil
			for id := range bars {
				a.jobs.Cancel(id)
			}
		}
	}
	p.Wait()

	for id := range bars {
		st, err := a.jobs.Get(id)
		if err != nil {
			continue
		}
		switch st.State {
		case models.JobStateCompleted:
			fmt.Fprintf(os.Stdout, "%s\n", st.Output)
		case models.JobStateFailed:
			fmt.Fprintf(os.Stderr, "%s: %s\n", st.URL, st.Error)
			failed++
		case models.JobStateCancelled:
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads did not complete", failed, len(urls))
	}
	return nil
}

func newEnginesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "Check or install yt-dlp and ffmpeg",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report engine versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			engines := newEngines(ytdlp.NewClient(cfg, logger), ffmpeg.NewEngine(cfg.FFmpegPath, logger))

			missing := 0
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, st := range handlers.CheckEngines(cmd.Context(), engines) {
				if st.Available {
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, st.Path, st.Version)
				} else {
					fmt.Fprintf(w, "%s\t%s\tunavailable: %s\n", st.Name, st.Path, st.Error)
					missing++
				}
			}
			w.Flush()

			if missing > 0 {
				return fmt.Errorf("%d engine(s) unavailable, run \"ytgrab engines install\"", missing)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Download yt-dlp and ffmpeg",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup()
			if err != nil {
				return err
			}
			ytdlpPath, ffmpegPath, err := ytdlp.Provision(cmd.Context(), logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "YTDLP_PATH=%s\nFFMPEG_PATH=%s\n", ytdlpPath, ffmpegPath)
			return nil
		},
	})

	return cmd
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear finished downloads",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List finished downloads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			db, err := models.NewDatabase(cfg.DatabaseFile)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.ListHistory(limit)
			if err != nil {
				return fmt.Errorf("failed to list history: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				detail := e.Output
				if e.State != models.JobStateCompleted {
					detail = e.Cause
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.FinishedAt.Format("2006-01-02 15:04"), e.State, e.Title, detail)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			db, err := models.NewDatabase(cfg.DatabaseFile)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.ClearHistory()
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}

// describeError prefers the user-facing cause of pipeline errors
func describeError(err error) error {
	if models.KindOf(err) != "" {
		return fmt.Errorf("%s", models.Cause(err))
	}
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
