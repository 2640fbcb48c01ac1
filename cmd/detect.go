package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/snapsearch-go/internal/server"
	"github.com/JakeFAU/snapsearch-go/pkg/detector"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

// newDetectCmd creates the 'detect' subcommand. It runs the configured
// detection rules against a URL without rendering anything.
func newDetectCmd() *cobra.Command {
	var userAgent, method string

	cmd := &cobra.Command{
		Use:   "detect <url>",
		Short: "Check whether a request would be intercepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			det, err := server.NewDetector(cfg)
			if err != nil {
				return err
			}

			target, err := url.Parse(args[0])
			if err != nil || target.Scheme == "" || target.Host == "" {
				return fmt.Errorf("url must be absolute, got %q", args[0])
			}
			sample, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), target.String(), nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			sample.Header.Set("User-Agent", userAgent)

			req := detector.NewRequest(sample, server.RequestOptions(cfg)...)
			decision, err := det.Evaluate(req)
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			printDecision(cmd.OutOrStdout(), decision, det.EncodedURL(req), detector.DecodedPath(req))
			return nil
		},
	}

	cmd.Flags().StringVarP(&userAgent, "user-agent", "A", defaultUserAgent, "User-Agent header to send")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method to send")

	return cmd
}

func printDecision(w io.Writer, decision detector.Decision, encodedURL, decodedPath string) {
	label := color.New(color.Bold)
	verdict := color.New(color.FgYellow).Sprint("pass through")
	if decision.Intercept {
		verdict = color.New(color.FgGreen, color.Bold).Sprint("intercept")
	}
	_, _ = label.Fprint(w, "decision:     ")
	_, _ = fmt.Fprintf(w, "%s (%s)\n", verdict, decision.Reason)
	_, _ = label.Fprint(w, "encoded url:  ")
	_, _ = fmt.Fprintln(w, encodedURL)
	_, _ = label.Fprint(w, "decoded path: ")
	_, _ = fmt.Fprintln(w, decodedPath)
}
