package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/schema"
)

type schemaResponse struct {
	Status string        `json:"status"`
	Data   SchemaSummary `json:"data"`
}

func compileJSON(t *testing.T, path string) SchemaSummary {
	t.Helper()
	out, err := execute(t, "schema", "compile", path, "--format", "json")
	require.NoError(t, err, out)
	var resp schemaResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Data.Layout)
	return resp.Data
}

func TestSchemaCompileText(t *testing.T) {
	out, err := execute(t, "schema", "compile", blogCUE)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Compiled")
	assert.Contains(t, out, "type(s) from 1 file(s)")
	assert.Contains(t, out, "hash: ")
	assert.Contains(t, out, "locales: en, nl")
	assert.Contains(t, out, "type article (id")
	assert.Contains(t, out, "type user (id")
	assert.Contains(t, out, "-> user (inverse articles)")
	assert.Contains(t, out, "main @")
	assert.Contains(t, out, " via ")
}

func TestSchemaSourcesAgree(t *testing.T) {
	fromCUE := compileJSON(t, blogCUE)
	fromYAML := compileJSON(t, blogYAML)
	fromPackage := compileJSON(t, blogPackage)

	assert.Equal(t, 1, fromCUE.Files)
	assert.Equal(t, 2, fromPackage.Files)
	assert.NotEmpty(t, fromCUE.Layout.Hash)
	assert.Equal(t, fromCUE.Layout, fromYAML.Layout)
	assert.Equal(t, fromCUE.Layout, fromPackage.Layout)
}

func TestSchemaCompileOutputRoundTrips(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "blog.json")

	out, err := execute(t, "schema", "compile", blogYAML, "--output", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote canonical declaration to "+outFile)

	res, errs := LoadSchema(blogYAML)
	require.Empty(t, errs)

	decl, err := schema.LoadFile(outFile)
	require.NoError(t, err)
	s, err := schema.Compile(decl)
	require.NoError(t, err)
	assert.Equal(t, res.Schema.Hash, s.Hash)
}

func TestSchemaCompileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o755))

	tests := []struct {
		name string
		path string
		code string
		want string
	}{
		{"missing path", filepath.Join(dir, "nope.cue"), ErrCodeNotFound, "schema not found"},
		{"empty directory", empty, ErrCodeNoFiles, "no CUE files found"},
		{"unsupported extension", write("blog.toml", "x = 1"), ErrCodeLoadFailed, "unsupported schema file extension"},
		{"cue syntax", write("broken.cue", "types: user: {name: \"string\"\n"), ErrCodeBuildFailed, ""},
		{"missing reference target", write("ghost.yaml", "types:\n  post:\n    author: {ref: ghost}\n"), schema.ErrMissingRefType, "post.author"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "schema", "compile", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "✗ Schema failed")
			assert.Contains(t, out, tt.code+": "+tt.want)
		})
	}
}

func TestSchemaCompileErrorsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
types:
  post:
    author: {ref: ghost}
    editor: {ref: phantom}
`), 0o644))

	out, err := execute(t, "schema", "compile", path, "--format", "json")
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Error  *CLIError  `json:"error"`
		Data   []CLIError `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrMissingRefType, resp.Error.Code)
	assert.Len(t, resp.Data, 2)
}

func TestCUEErrorPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflict.cue")
	require.NoError(t, os.WriteFile(path, []byte("types: user: name: \"string\"\ntypes: user: name: 5\n"), 0o644))

	_, errs := LoadSchema(path)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeBuildFailed, le.Code)
	require.True(t, le.Pos.IsValid())
	assert.Equal(t, path, le.Pos.Filename())
	assert.Contains(t, le.Error(), fmt.Sprintf("%s:", path))
}

func TestPropPlacement(t *testing.T) {
	tests := []struct {
		p    schema.PropLayout
		want string
	}{
		{schema.PropLayout{Main: true, Start: 4, Size: 2}, "main @4+2"},
		{schema.PropLayout{ID: 3}, "#3"},
		{schema.PropLayout{ID: 1, Target: "user", Inverse: "articles"}, "#1 -> user (inverse articles)"},
		{schema.PropLayout{ID: 2, Target: "user", Inverse: "friends", Edge: "_user_friends"}, "#2 -> user (inverse friends) via _user_friends"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, propPlacement(tt.p))
	}
}
