package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/transport/ws"
)

// SchemaOptions holds flags for the schema commands.
type SchemaOptions struct {
	*RootOptions
	Output string // canonical declaration output path
	URL    string // server for push
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Compile and publish schemas",
	}

	compile := &cobra.Command{
		Use:   "compile <path>",
		Short: "Compile a schema and print its layout",
		Long: `Compile a schema declaration and print the layout every type gets:
main record offsets, separate property ids and reference pairings.

The path is a .cue, .yaml, .yml or .json file, or a directory holding one
CUE package.

Example:
  tessel schema compile ./schema/blog.cue
  tessel schema compile ./schema --output blog.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaCompile(opts, args[0], cmd)
		},
	}
	compile.Flags().StringVarP(&opts.Output, "output", "o", "", "write the canonical declaration to this file")

	push := &cobra.Command{
		Use:   "push <path>",
		Short: "Install a schema on a running server",
		Long: `Compile a schema and install it as the next generation on a tessel
server. Every connected client receives the new generation.

Example:
  tessel schema push ./schema/blog.cue --url ws://127.0.0.1:7420/ws`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaPush(opts, args[0], cmd)
		},
	}
	push.Flags().StringVar(&opts.URL, "url", defaultURL, "server WebSocket URL")

	cmd.AddCommand(compile, push)
	return cmd
}

const defaultURL = "ws://127.0.0.1:7420/ws"

// SchemaSummary is the JSON output of schema compile.
type SchemaSummary struct {
	Files  int                  `json:"files"`
	Output string               `json:"output,omitempty"`
	Layout *schema.LayoutReport `json:"layout"`
}

func runSchemaCompile(opts *SchemaOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	res, errs := LoadSchema(path)
	if len(errs) > 0 {
		return outputSchemaErrors(f, errs)
	}
	f.VerboseLog("Loaded %d file(s) from %s", res.FileCount, path)

	if opts.Output != "" {
		if err := writeDecl(res.Decl, opts.Output); err != nil {
			return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	summary := &SchemaSummary{Files: res.FileCount, Output: opts.Output, Layout: res.Schema.Layout()}
	if f.JSON() {
		return f.Success(summary)
	}
	writeLayout(f.Writer, summary)
	return nil
}

func runSchemaPush(opts *SchemaOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	res, errs := LoadSchema(path)
	if len(errs) > 0 {
		return outputSchemaErrors(f, errs)
	}
	c, err := opts.Config()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	remote, err := ws.Dial(ctx, opts.URL, "", ws.DefaultSettings(), opts.logger(cmd, c))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConnect, err.Error(), nil)
	}
	defer remote.Close()

	if err := remote.SetSchema(ctx, res.Schema); err != nil {
		return f.Fail(ExitFailure, ErrCodeRemote, err.Error(), nil)
	}

	hash := fmt.Sprintf("%016x", res.Schema.Hash)
	if f.JSON() {
		return f.Success(map[string]any{"hash": hash, "url": opts.URL})
	}
	fmt.Fprintf(f.Writer, "✓ Installed schema %s on %s\n", hash, opts.URL)
	return nil
}

// writeLayout prints one block per type with one line per property.
func writeLayout(w io.Writer, s *SchemaSummary) {
	l := s.Layout
	fmt.Fprintf(w, "✓ Compiled %d type(s) from %d file(s)\n", len(l.Types), s.Files)
	fmt.Fprintf(w, "  hash: %s\n", l.Hash)
	if len(l.Locales) > 0 {
		fmt.Fprintf(w, "  locales: %s\n", strings.Join(l.Locales, ", "))
	}
	for _, t := range l.Types {
		kind := "type"
		if t.Edge {
			kind = "edge"
		}
		fmt.Fprintf(w, "\n%s %s (id %d, main %s, %d separate, block %s)\n",
			kind, t.Name, t.ID, humanize.IBytes(uint64(t.MainLen)), t.Separate, humanize.Comma(int64(t.BlockCapacity)))
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, p := range t.Props {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Path, p.Tag, propPlacement(p))
		}
		tw.Flush()
	}
	if s.Output != "" {
		fmt.Fprintf(w, "\nWrote canonical declaration to %s\n", s.Output)
	}
}

func propPlacement(p schema.PropLayout) string {
	if p.Main {
		return fmt.Sprintf("main @%d+%d", p.Start, p.Size)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", p.ID)
	if p.Target != "" {
		fmt.Fprintf(&b, " -> %s", p.Target)
	}
	if p.Inverse != "" {
		fmt.Fprintf(&b, " (inverse %s)", p.Inverse)
	}
	if p.Edge != "" {
		fmt.Fprintf(&b, " via %s", p.Edge)
	}
	return b.String()
}

// outputSchemaErrors reports load or compile errors, with the CUE source
// position when one is known.
func outputSchemaErrors(f *OutputFormatter, errs []error) error {
	if f.JSON() {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := errorCode(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
			if le, ok := err.(*LoadError); ok && le.Pos.IsValid() {
				cliErrors[i].Details = fmt.Sprintf("%s:%d:%d", le.Pos.Filename(), le.Pos.Line(), le.Pos.Column())
			}
		}
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(CLIResponse{Status: "error", Error: &cliErrors[0], Data: cliErrors}); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("schema failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(f.Writer, "✗ Schema failed")
	fmt.Fprintln(f.Writer)
	for _, err := range errs {
		code, message := errorCode(err)
		if le, ok := err.(*LoadError); ok && le.Pos.IsValid() {
			fmt.Fprintf(f.Writer, "%s:%d:%d\n", le.Pos.Filename(), le.Pos.Line(), le.Pos.Column())
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", code, message)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("schema failed with %d error(s)", len(errs)))
}

// writeDecl writes the canonical JSON form of decl. Loading it back yields
// the same schema hash.
func writeDecl(decl *schema.Decl, filename string) error {
	data, err := ir.MarshalCanonical(decl.Canonical())
	if err != nil {
		return fmt.Errorf("marshaling declaration: %w", err)
	}
	return os.WriteFile(filename, append(data, '\n'), 0o644)
}
