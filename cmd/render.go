package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/internal/server"
	"github.com/JakeFAU/snapsearch-go/pkg/render"
)

// newRenderCmd creates the 'render' subcommand, which asks the configured
// renderer for a snapshot of a URL and summarizes it.
func newRenderCmd() *cobra.Command {
	var (
		printHTML  bool
		screenshot string
	)

	cmd := &cobra.Command{
		Use:   "render <url>",
		Short: "Render a URL with the configured renderer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			renderCfg := *cfg
			if screenshot != "" {
				renderCfg.Render.Headless.Screenshot = true
				renderCfg.Render.Parameters = maps.Clone(cfg.Render.Parameters)
				if renderCfg.Render.Parameters == nil {
					renderCfg.Render.Parameters = map[string]any{}
				}
				renderCfg.Render.Parameters["screenshot"] = true
			}

			logger, err := server.NewLogger(&renderCfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			renderer, closeRenderer, err := server.NewRenderer(&renderCfg, logger.Named("render"))
			if err != nil {
				return err
			}
			if closeRenderer != nil {
				defer closeRenderer()
			}

			snap, err := renderer.Render(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("render %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			printSnapshot(out, snap)
			if screenshot != "" {
				if err := writeScreenshot(fs, screenshot, snap); err != nil {
					return err
				}
				logger.Info("screenshot written", zap.String("path", screenshot))
			}
			if printHTML {
				_, _ = fmt.Fprintln(out)
				_, _ = fmt.Fprintln(out, snap.HTML)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&printHTML, "html", false, "print the rendered HTML after the summary")
	cmd.Flags().StringVar(&screenshot, "screenshot", "", "request a screenshot and write it to this PNG file")

	return cmd
}

func printSnapshot(w io.Writer, snap *render.Snapshot) {
	label := color.New(color.Bold)
	status := color.New(color.FgGreen)
	if snap.Status >= 400 {
		status = color.New(color.FgRed)
	}
	_, _ = label.Fprint(w, "status:  ")
	_, _ = status.Fprintln(w, snap.Status)
	_, _ = label.Fprint(w, "title:   ")
	_, _ = fmt.Fprintln(w, pageTitle(snap.HTML))
	_, _ = label.Fprint(w, "bytes:   ")
	_, _ = fmt.Fprintln(w, len(snap.HTML))
	_, _ = label.Fprint(w, "cached:  ")
	_, _ = fmt.Fprintln(w, snap.Cache)
	for _, h := range snap.Headers {
		_, _ = label.Fprint(w, "header:  ")
		_, _ = fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value)
	}
}

func pageTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func writeScreenshot(fsys afero.Fs, path string, snap *render.Snapshot) error {
	if snap.Screenshot == "" {
		return fmt.Errorf("renderer returned no screenshot for %s", path)
	}
	png, err := base64.StdEncoding.DecodeString(snap.Screenshot)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	if err := afero.WriteFile(fsys, path, png, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}
