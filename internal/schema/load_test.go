package schema

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const friendsJSON = `{"types": {"user": {"name": "string", "friends": {"items": {"ref": "user"}}}}}`

const friendsYAML = `
types:
  user:
    name: string
    friends:
      items:
        ref: user
`

const friendsCUE = `
types: user: {
	name: "string"
	friends: items: ref: "user"
}
`

func TestLoadersAgree(t *testing.T) {
	fromJSON, err := LoadJSON([]byte(friendsJSON))
	require.NoError(t, err)
	fromYAML, err := LoadYAML([]byte(friendsYAML))
	require.NoError(t, err)
	fromCUE, err := LoadCUE(cuecontext.New().CompileString(friendsCUE))
	require.NoError(t, err)

	a, err := Compile(fromJSON)
	require.NoError(t, err)
	b, err := Compile(fromYAML)
	require.NoError(t, err)
	c, err := Compile(fromCUE)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Hash, c.Hash)
	assert.Equal(t, a.Layout(), c.Layout())
}

func TestLoadJSONShorthands(t *testing.T) {
	decl, err := LoadJSON([]byte(`{
		"locales": ["en"],
		"shop": {
			"props": {"name": "string"},
			"blockCapacity": 512
		},
		"item": {
			"kind": ["a", 2],
			"owner": {"ref": "shop", "prop": "items", "$qty": "uint16"},
			"size": {"props": {"w": "number"}}
		}
	}`))
	require.NoError(t, err)

	require.Contains(t, decl.Types, "shop")
	assert.Equal(t, 512, decl.Types["shop"].BlockCapacity)
	item := decl.Types["item"]
	assert.Equal(t, []string{"a", "2"}, item.Props["kind"].Enum)
	assert.Equal(t, "shop", item.Props["owner"].Ref)
	assert.Contains(t, item.Props["owner"].Edges, "$qty")
	assert.Contains(t, item.Props["size"].Props, "w")
	assert.Contains(t, decl.Locales, "en")
}

func TestLoadJSONRejectsUnknownKeys(t *testing.T) {
	_, err := LoadJSON([]byte(`{"user": {"name": {"type": "string", "maxbytes": 3}}}`))
	require.Error(t, err)
	assert.True(t, IsSchemaError(err))
	assert.Contains(t, err.Error(), "maxbytes")
}

func TestLoadYAMLEmpty(t *testing.T) {
	_, err := LoadYAML([]byte(""))
	require.Error(t, err)
	assert.Equal(t, []string{ErrEmptySchema}, errorCodes(err))
}

func TestLoadCUEIncomplete(t *testing.T) {
	_, err := LoadCUE(cuecontext.New().CompileString(`types: user: name: string`))
	require.Error(t, err)
	var cueErr *CUEError
	assert.ErrorAs(t, err, &cueErr)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"schema.json": friendsJSON,
		"schema.yaml": friendsYAML,
		"schema.cue":  friendsCUE,
	}
	var hashes []uint64
	for name, src := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(src), 0644))
		decl, err := LoadFile(path)
		require.NoError(t, err, name)
		s, err := Compile(decl)
		require.NoError(t, err, name)
		hashes = append(hashes, s.Hash)
	}
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])

	_, err := LoadFile(filepath.Join(dir, "schema.toml"))
	assert.Error(t, err)
}
