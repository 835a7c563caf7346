package query

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/reader"
)

const articleDocYAML = `
type: article
include: [title, body, author.name]
filter:
  and:
    - {path: status, op: "=", value: live}
    - {path: views, op: ">", value: 100}
sort: {path: views, desc: true}
limit: 10
locale: nl
meta: {body: meta}
`

func TestDocumentYAML(t *testing.T) {
	d, err := LoadDocumentYAML([]byte(articleDocYAML))
	require.NoError(t, err)
	q, err := d.Query()
	require.NoError(t, err)

	assert.Equal(t, "article", q.Type)
	assert.Equal(t, uint32(10), q.Limit)
	assert.Equal(t, &Sort{Path: "views", Desc: true}, q.Sort)
	assert.Equal(t, map[string]reader.ReadMode{"body": reader.ModeMeta}, q.Meta)
	assert.Equal(t, And{Predicates: []Predicate{
		Cond{Path: "status", Op: OpEq, Value: "live"},
		Cond{Path: "views", Op: OpGt, Value: 100},
	}}, q.Filter)
}

func TestDocumentMatchesBuiltQuery(t *testing.T) {
	s := blog(t)
	d, err := LoadDocumentYAML([]byte(articleDocYAML))
	require.NoError(t, err)
	fromDoc, err := d.Query()
	require.NoError(t, err)

	built := &Query{
		Type:    "article",
		Include: []string{"author.name", "body", "title"},
		Filter: And{Predicates: []Predicate{
			Where("status", OpEq, "live"),
			Where("views", OpGt, 100),
		}},
		Sort:   &Sort{Path: "views", Desc: true},
		Limit:  10,
		Locale: "nl",
		Meta:   map[string]reader.ReadMode{"body": reader.ModeMeta},
	}

	a, err := Compile(s, fromDoc)
	require.NoError(t, err)
	b, err := Compile(s, built)
	require.NoError(t, err)
	assert.Equal(t, b.Fingerprint, a.Fingerprint)
	assert.Equal(t, b.Program, a.Program)
}

func TestDocumentJSONAggregate(t *testing.T) {
	d, err := LoadDocumentJSON([]byte(`{
		"type": "article",
		"aggregate": [{"fn": "sum", "path": "views"}, {"fn": "count"}],
		"groupBy": {"path": "status"},
		"filter": {"path": "views", "op": "between", "value": [1, 2.5]}
	}`))
	require.NoError(t, err)
	q, err := d.Query()
	require.NoError(t, err)

	assert.Equal(t, []Aggregate{{Fn: reader.AggSum, Path: "views"}, {Fn: reader.AggCount}}, q.Aggregate)
	assert.Equal(t, &GroupBy{Path: "status"}, q.GroupBy)
	assert.Equal(t, Cond{Path: "views", Op: OpBetween, Value: []any{1.0, 2.5}}, q.Filter)

	_, err = Compile(blog(t), q)
	require.NoError(t, err)
}

func TestDocumentRefs(t *testing.T) {
	d, err := LoadDocumentYAML([]byte(`
type: user
include: [name, friends.name]
refs:
  friends:
    type: user
    sort: {path: name}
    limit: 2
`))
	require.NoError(t, err)
	q, err := d.Query()
	require.NoError(t, err)
	require.Contains(t, q.Refs, "friends")
	assert.Equal(t, uint32(2), q.Refs["friends"].Limit)
}

func TestDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", "type: user\nlimt: 3\n", "limt"},
		{"unknown operator", "type: user\nfilter: {path: name, op: like, value: x}\n", `unknown operator "like"`},
		{"ambiguous filter", "type: user\nfilter: {path: name, op: '=', value: x, and: [{path: a, op: '=', value: 1}]}\n", "exactly one"},
		{"unknown function", "type: user\naggregate: [{fn: median, path: age}]\n", "aggregate[0]"},
		{"unknown interval", "type: user\ngroupBy: {path: at, interval: fortnight}\n", "fortnight"},
		{"unknown read mode", "type: user\nmeta: {name: all}\n", "meta.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := LoadDocumentYAML([]byte(tt.src))
			if err == nil {
				_, err = d.Query()
			}
			require.Error(t, err)
			assert.True(t, IsQueryError(err))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadDocumentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "user", "ids": [1, 2]}`), 0o644))

	d, err := LoadDocumentFile(path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, d.IDs)

	_, err = LoadDocumentFile(filepath.Join(dir, "q.toml"))
	assert.ErrorContains(t, err, "unsupported")
}
