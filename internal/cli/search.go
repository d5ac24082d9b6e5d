package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uilive"
	"github.com/gosuri/uitable"
	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/config"
	"github.com/scribescope/backend/internal/export"
	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/preview"
	"github.com/scribescope/backend/internal/session"
	"github.com/scribescope/backend/internal/storage"
	"github.com/scribescope/backend/internal/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ErrNoResults is returned when every file of a search failed.
var ErrNoResults = errors.New("no file could be processed")

type searchOptions struct {
	endpoint  string
	token     string
	userAgent string
	timeout   time.Duration
	csvPath   string
	allowed   []string
	files     []string
}

func newSearchCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	if endpoint := os.Getenv("SCRIBESCOPE_SEARCH_ENDPOINT"); endpoint != "" {
		defaults.Search.Endpoint = endpoint
	}

	searchCmd := &cobra.Command{
		Use:   "search [flags] FILE...",
		Short: "Search the given images from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := searchOptions{
				userAgent: defaults.Search.UserAgent,
				allowed:   defaults.AllowedExtensions(),
				files:     args,
			}
			opts.endpoint, _ = cmd.Flags().GetString("endpoint")
			opts.token, _ = cmd.Flags().GetString("token")
			opts.timeout, _ = cmd.Flags().GetDuration("timeout")
			opts.csvPath, _ = cmd.Flags().GetString("csv")
			if opts.token == "" {
				opts.token = os.Getenv("SCRIBESCOPE_SEARCH_TOKEN")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSearch(ctx, cmd.OutOrStdout(), opts)
		},
	}

	searchCmd.Flags().String("endpoint", defaults.Search.Endpoint, "Reverse image search endpoint")
	searchCmd.Flags().String("token", "", "Bearer token for the search endpoint")
	searchCmd.Flags().Duration("timeout", defaults.SearchTimeout(), "Timeout of a single search request")
	searchCmd.Flags().String("csv", "", "Write results to this CSV file")
	return searchCmd
}

func runSearch(ctx context.Context, out io.Writer, opts searchOptions) error {
	if err := checkFiles(opts.files, opts.allowed); err != nil {
		return err
	}

	previews := preview.NewManager(storage.NewMemoryStore())
	executor := upload.NewExecutor(upload.Config{
		Endpoint:  opts.endpoint,
		Token:     opts.token,
		UserAgent: opts.userAgent,
		Timeout:   opts.timeout,
	})
	sess := session.New(previews, batch.NewRunner(executor, nil))
	defer sess.Close()

	changes, stop := sess.Watch()
	defer stop()

	if err := submitPaths(sess, opts.files); err != nil {
		return err
	}

	writer := uilive.New()
	writer.Out = out
	for sess.State() == models.SessionStateProcessing {
		renderProgress(writer, sess.Snapshot())
		select {
		case <-changes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	snap := sess.Snapshot()
	renderProgress(writer, snap)

	for _, n := range sess.DrainNotices() {
		logrus.WithFields(logrus.Fields{
			"file": n.FileName,
			"err":  n.Message,
		}).Warn(n.Title)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, resultsTable(snap.Results).String())

	if opts.csvPath != "" {
		if err := writeCSVFile(opts.csvPath, snap, opts.files); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"path":    opts.csvPath,
			"results": len(snap.Results),
		}).Info("results exported")
	}

	if len(snap.Results) == 0 {
		return ErrNoResults
	}
	return nil
}

func checkFiles(paths, allowed []string) error {
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		ok := false
		for _, a := range allowed {
			if a == ext {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: unsupported file type %q (allowed: %s)", p, ext, strings.Join(allowed, " "))
		}
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
	}
	return nil
}

func submitPaths(sess *session.Session, paths []string) error {
	uploads := make([]session.Upload, 0, len(paths))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		files = append(files, f)
		uploads = append(uploads, session.Upload{
			Name:        filepath.Base(p),
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(p))),
			Body:        f,
		})
	}

	_, err := sess.Submit(uploads)
	return err
}

func renderProgress(w *uilive.Writer, snap session.Snapshot) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("FILE", "SIZE", "STATUS", "PROGRESS", "ERROR")
	for _, f := range snap.Files {
		table.AddRow(f.Name, humanize.Bytes(uint64(f.Size)), f.Status, progressBar(f.Progress), f.Error)
	}
	fmt.Fprintln(w, table.String())
	w.Flush()
}

func progressBar(pct int) string {
	filled := pct / 10
	return fmt.Sprintf("%s%s %3d%%", strings.Repeat("#", filled), strings.Repeat(".", 10-filled), pct)
}

func resultsTable(results []models.SearchResult) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 50
	table.Wrap = true
	table.AddRow("FILE", "SOURCE", "DOMAIN", "AUTHOR", "LICENSE", "OTHER URLS")
	for _, r := range results {
		table.AddRow(r.FileName, r.MainSourceURL, r.Domain, r.Author, r.License, len(r.OtherURLs))
	}
	return table
}

// writeCSVFile exports the results with each thumbnail column pointing at
// the local source file.
func writeCSVFile(path string, snap session.Snapshot, sources []string) error {
	local := make(map[string]string, len(snap.Files))
	for i, f := range snap.Files {
		if i < len(sources) {
			if abs, err := filepath.Abs(sources[i]); err == nil {
				local[f.PreviewHandle] = abs
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	if err := export.WriteCSV(f, snap.Results, func(handle string) string { return local[handle] }); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
