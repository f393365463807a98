package exportctl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/tools/common"
	"github.com/sandeepkv93/crm-export-proxy/internal/tools/ui"
)

type options struct {
	baseURL   string
	uid       string
	out       string
	chunkSize int
	timeout   time.Duration
	keep      bool
	ci        bool
	filters   []string
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "exportctl",
		Short: "Drive CRM exports through a running proxy",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(".env"); err != nil {
				return err
			}
			if !cmd.Flags().Changed("base-url") {
				if v := os.Getenv("EXPORTCTL_BASE_URL"); v != "" {
					opts.baseURL = v
				}
			}
			if opts.uid == "" {
				opts.uid = os.Getenv("EXPORTCTL_UID")
			}
			opts.baseURL = strings.TrimRight(opts.baseURL, "/")
			if !opts.ci && !interactive(os.Stdout) {
				opts.ci = true
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:3333", "proxy base URL")
	cmd.PersistentFlags().StringVar(&opts.uid, "uid", "", "session id (defaults to EXPORTCTL_UID)")
	cmd.PersistentFlags().StringVarP(&opts.out, "out", "o", "", "output CSV path (default stdout)")
	cmd.PersistentFlags().IntVar(&opts.chunkSize, "chunk-size", 1000, "rows per chunk request")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Hour, "overall deadline")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newStatusCommand(opts), newBulkCommand(opts), newQueryCommand(opts))
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the session is authenticated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := newProxyClient(opts.baseURL, opts.uid, 30*time.Second).status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authenticated=%t uid=%s\n", st.Authenticated, st.UID)
			return nil
		},
	}
}

func newBulkCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "bulk <resource>",
		Short:     "Export every record of a resource to CSV",
		Args:      cobra.ExactArgs(1),
		ValidArgs: crm.ResourceNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, ok := crm.LookupResource(args[0])
			if !ok {
				return fmt.Errorf("unknown resource %q (one of %s)", args[0], strings.Join(crm.ResourceNames(), ", "))
			}
			filters, err := parseFilters(opts.filters)
			if err != nil {
				return err
			}
			return execute(cmd, opts, "bulk "+resource.Name, func(ctx context.Context, w io.Writer) ([]string, error) {
				return runBulk(ctx, newProxyClient(opts.baseURL, opts.uid, opts.timeout), resource, filters, opts, w)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "leave the export on the proxy after download")
	cmd.Flags().StringArrayVar(&opts.filters, "filter", nil, "upstream filter as key=value (repeatable)")
	return cmd
}

func newQueryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "query <query-id>",
		Short: "Run a saved query job and export its result to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, opts, "query "+args[0], func(ctx context.Context, w io.Writer) ([]string, error) {
				return runQuery(ctx, newProxyClient(opts.baseURL, opts.uid, opts.timeout), args[0], opts.chunkSize, w)
			})
		},
	}
}

// execute opens the output, then runs fn under the spinner or, with --ci,
// directly with a JSON verdict on stdout.
func execute(cmd *cobra.Command, opts *options, title string, fn func(context.Context, io.Writer) ([]string, error)) error {
	var w io.Writer = cmd.OutOrStdout()
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	} else if !opts.ci {
		return errors.New("--out is required unless --ci is set")
	}

	work := func(ctx context.Context) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return fn(ctx, w)
	}
	var (
		details []string
		err     error
	)
	if opts.ci {
		details, err = work(cmd.Context())
		if opts.out != "" {
			common.PrintCIResult(err == nil, title, details, err)
		}
	} else {
		details, err = ui.Run(title, work)
	}
	return err
}

// interactive reports whether f is a terminal that can host the spinner.
func interactive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func runBulk(ctx context.Context, c *proxyClient, resource crm.Resource, filters url.Values, opts *options, w io.Writer) ([]string, error) {
	started, err := c.startBulk(ctx, resource.Name, filters)
	if err != nil {
		return nil, err
	}
	details := []string{fmt.Sprintf("job=%s rows=%d", started.JobID, started.Rows)}
	written, err := copyChunks(w, resource.Columns, started.Rows, opts.chunkSize, func(page int) (export.Chunk, error) {
		return c.bulkChunk(ctx, resource.Name, started.JobID, page, opts.chunkSize)
	})
	details = append(details, fmt.Sprintf("written=%d", written))
	if err != nil {
		return details, err
	}
	if !opts.keep {
		if err := c.purge(ctx, resource.Name, started.JobID); err != nil {
			return details, fmt.Errorf("purge: %w", err)
		}
		details = append(details, "purged")
	}
	return details, nil
}

func runQuery(ctx context.Context, c *proxyClient, queryID string, chunkSize int, w io.Writer) ([]string, error) {
	columns, err := c.querySchema(ctx, queryID)
	if err != nil {
		return nil, err
	}
	details := []string{fmt.Sprintf("columns=%d", len(columns))}
	written, err := copyChunks(w, columns, -1, chunkSize, func(page int) (export.Chunk, error) {
		return c.queryChunk(ctx, queryID, page, chunkSize)
	})
	details = append(details, fmt.Sprintf("written=%d", written))
	return details, err
}

// copyChunks writes the header and then pages through fetch until total rows
// are written or a short chunk arrives. A negative total means unknown.
func copyChunks(w io.Writer, columns []string, total, chunkSize int, fetch func(page int) (export.Chunk, error)) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return 0, err
	}
	written := 0
	row := make([]string, len(columns))
	for page := 0; total < 0 || written < total; page++ {
		chunk, err := fetch(page)
		if err != nil {
			cw.Flush()
			return written, fmt.Errorf("chunk %d: %w", page, err)
		}
		for _, rec := range chunk.Value {
			for i, col := range columns {
				row[i] = rec[col]
			}
			if err := cw.Write(row); err != nil {
				return written, err
			}
			written++
		}
		if len(chunk.Value) < chunkSize {
			break
		}
	}
	cw.Flush()
	return written, cw.Error()
}

func parseFilters(raw []string) (url.Values, error) {
	out := url.Values{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("filter %q must be key=value", kv)
		}
		out.Set(k, v)
	}
	return out, nil
}
