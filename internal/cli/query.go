package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/tessel/internal/client"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/transport/ws"
)

// QueryOptions holds flags for the query commands.
type QueryOptions struct {
	*RootOptions
	Schema string // schema path for compile
	Hex    bool   // dump the program bytes
	URL    string // server for run
	Watch  bool   // keep printing updates
}

// NewQueryCommand creates the query command group.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Compile and run query documents",
	}

	compile := &cobra.Command{
		Use:   "compile <query-file>",
		Short: "Compile a query document against a schema",
		Long: `Compile a YAML or JSON query document against a schema and print the
program fingerprint, the types it reads and the fields the result holds.

Example:
  tessel query compile ./queries/live.yaml --schema ./schema/blog.cue --hex`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryCompile(opts, args[0], cmd)
		},
	}
	compile.Flags().StringVarP(&opts.Schema, "schema", "s", "", "schema file or CUE package directory (required)")
	compile.Flags().BoolVar(&opts.Hex, "hex", false, "dump the compiled program")
	_ = compile.MarkFlagRequired("schema")

	run := &cobra.Command{
		Use:   "run <query-file>",
		Short: "Run a query document on a server",
		Long: `Run a query document against a tessel server and print the decoded
result as JSON. With --watch the query is subscribed and every update is
printed until interrupted.

Example:
  tessel query run ./queries/live.yaml --url ws://127.0.0.1:7420/ws --watch`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryRun(opts, args[0], cmd)
		},
	}
	run.Flags().StringVar(&opts.URL, "url", defaultURL, "server WebSocket URL")
	run.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "subscribe and print every update")

	cmd.AddCommand(compile, run)
	return cmd
}

// QuerySummary is the JSON output of query compile.
type QuerySummary struct {
	Type        string   `json:"type"`
	Fingerprint string   `json:"fingerprint"`
	SchemaHash  string   `json:"schemaHash"`
	Types       []string `json:"types"`
	Fields      []string `json:"fields"`
	Size        int      `json:"size"`
	Program     string   `json:"program,omitempty"`
}

func loadQuery(f *OutputFormatter, path string) (*query.Query, error) {
	doc, err := query.LoadDocumentFile(path)
	if err != nil {
		code := ErrCodeQueryFile
		if query.IsQueryError(err) {
			code = ErrCodeQuery
		}
		return nil, f.Fail(ExitCommandError, code, err.Error(), nil)
	}
	q, err := doc.Query()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeQuery, err.Error(), nil)
	}
	return q, nil
}

func runQueryCompile(opts *QueryOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	res, errs := LoadSchema(opts.Schema)
	if len(errs) > 0 {
		return outputSchemaErrors(f, errs)
	}
	q, err := loadQuery(f, path)
	if err != nil {
		return err
	}
	compiled, err := query.Compile(res.Schema, q)
	if err != nil {
		code, msg := errorCode(err)
		return f.Fail(ExitCommandError, code, msg, nil)
	}

	summary := &QuerySummary{
		Type:        q.Type,
		Fingerprint: fmt.Sprintf("%016x", compiled.Fingerprint),
		SchemaHash:  fmt.Sprintf("%016x", compiled.SchemaHash),
		Types:       compiled.Types,
		Fields:      readerFields(compiled.Reader, ""),
		Size:        len(compiled.Program),
	}
	if opts.Hex {
		summary.Program = hex.EncodeToString(compiled.Program)
	}
	if f.JSON() {
		return f.Success(summary)
	}

	w := f.Writer
	fmt.Fprintf(w, "✓ Compiled query on %s\n", summary.Type)
	fmt.Fprintf(w, "  fingerprint: %s\n", summary.Fingerprint)
	fmt.Fprintf(w, "  schema: %s\n", summary.SchemaHash)
	fmt.Fprintf(w, "  types: %s\n", strings.Join(summary.Types, ", "))
	fmt.Fprintf(w, "  program: %s\n", humanize.Bytes(uint64(summary.Size)))
	if len(summary.Fields) > 0 {
		fmt.Fprintf(w, "  fields: %s\n", strings.Join(summary.Fields, ", "))
	}
	if opts.Hex {
		fmt.Fprintln(w)
		fmt.Fprint(w, hex.Dump(compiled.Program))
	}
	return nil
}

// readerFields lists the result fields a reader schema decodes, nested
// references and edge fields joined with dots.
func readerFields(s *reader.Schema, prefix string) []string {
	if s == nil {
		return nil
	}
	var out []string
	add := func(p *reader.Prop) {
		name := prefix + p.Path
		if p.Ref != nil {
			nested := readerFields(p.Ref, name+".")
			if len(nested) > 0 {
				out = append(out, nested...)
				return
			}
		}
		out = append(out, name)
	}
	for _, p := range s.Main {
		add(p)
	}
	for _, p := range s.Props {
		add(p)
	}
	if s.Edge != nil {
		out = append(out, readerFields(s.Edge, prefix)...)
	}
	if s.Aggregate != nil && len(out) == 0 {
		out = append(out, prefix+"<aggregate>")
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func runQueryRun(opts *QueryOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	q, err := loadQuery(f, path)
	if err != nil {
		return err
	}
	c, err := opts.Config()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd, c)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	remote, err := ws.Dial(ctx, opts.URL, "", ws.DefaultSettings(), logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConnect, err.Error(), nil)
	}
	defer remote.Close()

	sch, err := remote.WaitSchema(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConnect, fmt.Sprintf("waiting for schema: %v", err), nil)
	}
	cl := client.New(remote, c.ClientOptions(logger, nil))
	defer cl.Close(context.Background())
	cl.UseSchema(ctx, sch)

	if !opts.Watch {
		v, err := cl.Query(ctx, q)
		if err != nil {
			code, msg := errorCode(err)
			if code == ErrCodeGeneric {
				code = ErrCodeRemote
			}
			return f.Fail(ExitFailure, code, msg, nil)
		}
		return printResult(f, v)
	}

	failed := make(chan error, 1)
	unsubscribe, err := cl.Subscribe(ctx, q,
		func(v any) {
			if err := printResult(f, v); err != nil {
				logger.Warn("print update", "error", err)
			}
		},
		func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
	if err != nil {
		code, msg := errorCode(err)
		return f.Fail(ExitFailure, code, msg, nil)
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-remote.Done():
		return f.Fail(ExitFailure, ErrCodeConnect, ws.ErrDisconnected.Error(), nil)
	case err := <-failed:
		return f.Fail(ExitFailure, ErrCodeRemote, err.Error(), nil)
	}
}

// printResult writes a decoded result. Text output is indented JSON
// without the response envelope.
func printResult(f *OutputFormatter, v any) error {
	if f.JSON() {
		return f.Success(v)
	}
	return writeIndented(f.Writer, v)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
