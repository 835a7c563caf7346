package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
)

const blogSchema = `{
	"locales": ["en", "nl"],
	"types": {
		"article": {
			"title": {"type": "string", "maxBytes": 20},
			"body": "text",
			"score": "int16",
			"views": "uint32",
			"rating": "number",
			"status": ["draft", "live"],
			"author": {"ref": "user", "prop": "articles"},
			"meta": {"props": {"flag": "boolean", "tags": "json"}}
		},
		"user": {
			"name": "string",
			"handle": "alias",
			"friends": {"items": {"ref": "user", "$since": "timestamp"}}
		}
	}
}`

func blog(t *testing.T) *schema.Schema {
	t.Helper()
	return schema.MustCompileJSON(blogSchema)
}

func compileAndParse(t *testing.T, s *schema.Schema, q *Query) (*Compiled, *Program) {
	t.Helper()
	c, err := Compile(s, q)
	require.NoError(t, err)
	p, err := Parse(c.Program)
	require.NoError(t, err)
	assert.Equal(t, s.Hash, p.SchemaHash)
	return c, p
}

func includedPaths(rs *reader.Schema) []string {
	var out []string
	for _, p := range rs.Fields() {
		out = append(out, p.Path)
	}
	return out
}

func TestCompileDefaultInclude(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "article"})

	assert.Equal(t, KindItems, p.Kind)
	assert.Equal(t, TargetAll, p.Target.Kind)
	assert.False(t, p.Single())
	assert.Equal(t, uint16(1), p.Level.Type)
	assert.Equal(t, Unlimited, p.Level.Limit)
	assert.True(t, p.Level.MainFull)
	assert.Empty(t, p.Level.Refs)
	require.Len(t, p.Level.Fields, 2)
	assert.Equal(t, uint8(2), p.Level.Fields[0].Prop)
	assert.Equal(t, ir.TagText, p.Level.Fields[0].Tag)
	assert.Equal(t, uint8(3), p.Level.Fields[1].Prop)

	rs := c.Reader
	assert.Equal(t, 37, rs.MainLen)
	assert.False(t, rs.PartialMain)
	assert.False(t, rs.Single)
	assert.Equal(t,
		[]string{"title", "rating", "views", "score", "meta.flag", "status", "body", "meta.tags"},
		includedPaths(rs))
	assert.Equal(t, []string{"en", "nl"}, rs.Props[2].Locales)
	assert.Equal(t, []string{"article"}, c.Types)
}

func TestCompilePartialMain(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "article", Include: []string{"views", "title"}})

	assert.False(t, p.Level.MainFull)
	assert.Equal(t, []Range{{Start: 0, Size: 21}, {Start: 29, Size: 4}}, p.Level.MainRanges)
	assert.Empty(t, p.Level.Fields)

	rs := c.Reader
	assert.True(t, rs.PartialMain)
	assert.Equal(t, 25, rs.MainLen)
	require.Len(t, rs.Main, 2)
	assert.Equal(t, 0, rs.Main[0].Start)
	assert.Equal(t, 21, rs.Main[1].Start)
	assert.Equal(t, "views", rs.Main[1].Path)
}

func TestCompileObjectPrefix(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "article", Include: []string{"meta"}})

	assert.Equal(t, []Range{{Start: 35, Size: 1}}, p.Level.MainRanges)
	require.Len(t, p.Level.Fields, 1)
	assert.Equal(t, uint8(3), p.Level.Fields[0].Prop)
	assert.Equal(t, []string{"meta.flag", "meta.tags"}, includedPaths(c.Reader))
}

func TestCompileReferenceInclude(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "article", Include: []string{"author.name", "title"}})

	require.Len(t, p.Level.Refs, 1)
	ref := p.Level.Refs[0]
	assert.Equal(t, uint8(1), ref.Prop)
	assert.False(t, ref.Many)
	assert.Equal(t, uint16(2), ref.Level.Type)
	require.Len(t, ref.Level.Fields, 1)
	assert.Equal(t, uint8(4), ref.Level.Fields[0].Prop)

	author := c.Reader.Props[1]
	require.NotNil(t, author)
	require.NotNil(t, author.Ref)
	assert.True(t, author.Ref.Single)
	assert.Equal(t, []string{"name"}, includedPaths(author.Ref))
	assert.Equal(t, []string{"article", "user"}, c.Types)
}

func TestCompileBareReferenceIncludesTargetLeaves(t *testing.T) {
	s := blog(t)
	c, _ := compileAndParse(t, s, &Query{Type: "article", Include: []string{"author"}})

	author := c.Reader.Props[1].Ref
	assert.Equal(t, []string{"handle", "name"}, includedPaths(author))
}

func TestCompileEdgeInclude(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "user", Include: []string{"friends.$since", "friends.name"}})

	require.Len(t, p.Level.Refs, 1)
	ref := p.Level.Refs[0]
	assert.True(t, ref.Many)
	require.NotNil(t, ref.Level.Edge)
	assert.True(t, ref.Level.Edge.MainFull)

	friends := c.Reader.Props[2].Ref
	require.NotNil(t, friends.Edge)
	assert.Equal(t, []string{"$since"}, includedPaths(friends.Edge))
	assert.Equal(t, 8, friends.Edge.MainLen)
	assert.Contains(t, c.Types, "user.friends")
}

func TestCompileRefSubQuery(t *testing.T) {
	s := blog(t)
	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_, p := compileAndParse(t, s, &Query{
		Type: "user",
		Refs: map[string]*Query{
			"friends": {
				Include: []string{"name"},
				Filter:  Where("$since", OpGt, since),
				Sort:    &Sort{Path: "name", Desc: true},
				Limit:   5,
			},
		},
	})

	var friends *RefSpec
	for i := range p.Level.Refs {
		if p.Level.Refs[i].Prop == 2 {
			friends = &p.Level.Refs[i]
		}
	}
	require.NotNil(t, friends)
	lvl := friends.Level
	assert.Equal(t, uint32(5), lvl.Limit)
	require.NotNil(t, lvl.Sort)
	assert.True(t, lvl.Sort.Desc)
	assert.Equal(t, uint8(4), lvl.Sort.Field.Prop)

	require.Len(t, lvl.Filter, 1)
	edge := lvl.Filter[0]
	assert.Equal(t, FilterEdge, edge.Kind)
	assert.Equal(t, uint16(3), edge.Type)
	require.Len(t, edge.Sub, 1)
	assert.Equal(t, OpGt, edge.Sub[0].Op)
	assert.Equal(t, []float64{float64(since.UnixMilli())}, edge.Sub[0].Numbers)
}

func TestCompileFilter(t *testing.T) {
	s := blog(t)
	_, p := compileAndParse(t, s, &Query{
		Type: "article",
		Filter: And{Predicates: []Predicate{
			Where("views", OpGt, 10),
			Or{Predicates: []Predicate{
				Where("status", OpEq, "live"),
				Where("title", OpEq, []string{"a", "b"}),
			}},
			Where("body", OpIncludes, "go"),
		}},
	})

	f := p.Level.Filter
	require.Len(t, f, 3)

	assert.Equal(t, FilterCond, f[0].Kind)
	assert.Equal(t, Field{Tag: ir.TagUint32, Start: 29, Size: 4}, f[0].Field)
	assert.True(t, f[0].Field.IsMain())
	assert.Equal(t, []float64{10}, f[0].Numbers)

	assert.Equal(t, FilterOr, f[1].Kind)
	require.Len(t, f[1].Branches, 2)
	assert.Equal(t, []float64{2}, f[1].Branches[0][0].Numbers)
	assert.Equal(t, []string{"a", "b"}, f[1].Branches[1][0].Strings)

	assert.Equal(t, uint8(2), f[2].Field.Prop)
	assert.Equal(t, OpIncludes, f[2].Op)
	assert.Equal(t, []string{"go"}, f[2].Strings)
}

func TestCompileFilterAcrossReference(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{
		Type:    "article",
		Include: []string{"title"},
		Filter:  Where("author.name", OpEq, "ann"),
	})

	require.Len(t, p.Level.Filter, 1)
	ref := p.Level.Filter[0]
	assert.Equal(t, FilterRef, ref.Kind)
	assert.Equal(t, uint8(1), ref.Prop)
	assert.Equal(t, uint16(2), ref.Type)
	require.Len(t, ref.Sub, 1)
	assert.Equal(t, uint8(4), ref.Sub[0].Field.Prop)
	assert.Equal(t, []string{"ann"}, ref.Sub[0].Strings)
	assert.Equal(t, []string{"article", "user"}, c.Types)
}

func TestCompileFilterByID(t *testing.T) {
	s := blog(t)
	_, p := compileAndParse(t, s, &Query{Type: "article", Filter: Where("id", OpBetween, []uint32{3, 9})})

	require.Len(t, p.Level.Filter, 1)
	assert.True(t, p.Level.Filter[0].Field.IsID())
	assert.Equal(t, []float64{3, 9}, p.Level.Filter[0].Numbers)
}

func TestCompileTargets(t *testing.T) {
	s := blog(t)

	c, p := compileAndParse(t, s, &Query{Type: "article", ID: 7})
	assert.Equal(t, TargetID, p.Target.Kind)
	assert.Equal(t, uint32(7), p.Target.ID)
	assert.True(t, p.Single())
	assert.True(t, c.Reader.Single)

	_, p = compileAndParse(t, s, &Query{Type: "article", IDs: []uint32{3, 1}})
	assert.Equal(t, []uint32{3, 1}, p.Target.IDs)
	assert.False(t, p.Single())

	c, p = compileAndParse(t, s, &Query{Type: "user", Alias: &Alias{Value: "ann"}})
	assert.Equal(t, TargetAlias, p.Target.Kind)
	assert.Equal(t, uint8(3), p.Target.AliasProp)
	assert.Equal(t, "ann", p.Target.Alias)
	assert.True(t, c.Reader.Single)
}

func TestCompileRangeAndSort(t *testing.T) {
	s := blog(t)
	_, p := compileAndParse(t, s, &Query{
		Type:   "article",
		Offset: 10,
		Limit:  20,
		Sort:   &Sort{Path: "rating"},
	})
	assert.Equal(t, uint32(10), p.Level.Offset)
	assert.Equal(t, uint32(20), p.Level.Limit)
	require.NotNil(t, p.Level.Sort)
	assert.Equal(t, Field{Tag: ir.TagNumber, Start: 21, Size: 8}, p.Level.Sort.Field)
	assert.False(t, p.Level.Sort.Desc)
}

func TestCompileLocale(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{Type: "article", Include: []string{"body"}, Locale: "nl"})

	require.Len(t, p.Level.Fields, 1)
	assert.Equal(t, uint8(2), p.Level.Fields[0].Locale)
	assert.Equal(t, uint8(2), c.Reader.Props[2].Locale)
}

func TestCompileMeta(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{
		Type:    "user",
		Include: []string{"name"},
		Meta:    map[string]reader.ReadMode{"name": reader.ModeBoth},
	})
	assert.Equal(t, reader.ModeBoth, p.Level.Fields[0].Mode)
	assert.Equal(t, reader.ModeBoth, c.Reader.Props[4].Mode)
}

func TestCompileAggregate(t *testing.T) {
	s := blog(t)
	c, p := compileAndParse(t, s, &Query{
		Type: "article",
		Aggregate: []Aggregate{
			{Fn: reader.AggCount},
			{Fn: reader.AggSum, Path: "views"},
			{Fn: reader.AggAvg, Path: "rating"},
		},
		GroupBy: &GroupBy{Path: "status"},
	})

	assert.Equal(t, KindAggregate, p.Kind)
	agg := p.Level.Aggregate
	require.NotNil(t, agg)
	require.NotNil(t, agg.Group)
	assert.Equal(t, Field{Tag: ir.TagEnum, Start: 36, Size: 1}, agg.Group.Field)
	require.Len(t, agg.Fns, 3)
	assert.Equal(t, reader.AggCount, agg.Fns[0].Fn)
	assert.Equal(t, ir.TagNull, agg.Fns[0].Field.Tag)
	assert.Equal(t, 8, agg.Fns[1].Result)
	assert.Equal(t, reader.AggAvg.AccSize(), agg.Fns[2].Acc)

	layout := c.Reader.Aggregate
	require.NotNil(t, layout)
	assert.Equal(t, []string{"draft", "live"}, layout.GroupBy.Enum)
	assert.Equal(t, 4+8+8, layout.ResultLen())
}

func TestFingerprintStable(t *testing.T) {
	s := blog(t)
	a, err := Compile(s, &Query{Type: "article", Include: []string{"title", "views", "title"}})
	require.NoError(t, err)
	b, err := Compile(s, &Query{Type: "article", Include: []string{"views", "title"}})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.Program, b.Program)

	other, err := Compile(s, &Query{Type: "article", Include: []string{"views"}})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, other.Fingerprint)

	filtered, err := Compile(s, &Query{Type: "article", Include: []string{"views", "title"}, Filter: Where("views", OpGt, 1)})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, filtered.Fingerprint)
}

func TestFingerprintTracksSchema(t *testing.T) {
	q := &Query{Type: "user", Include: []string{"name"}}
	a, err := Compile(blog(t), q)
	require.NoError(t, err)
	b, err := Compile(schema.MustCompileJSON(`{"user": {"name": "string"}}`), q)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestCompileErrors(t *testing.T) {
	s := blog(t)
	tests := []struct {
		name string
		q    *Query
		want string
	}{
		{"unknown type", &Query{Type: "nope"}, "unknown type"},
		{"edge type", &Query{Type: "user.friends"}, "unknown type"},
		{"unknown include", &Query{Type: "article", Include: []string{"nope"}}, "unknown field"},
		{"leaf is not object", &Query{Type: "article", Include: []string{"title.x"}}, "not an object"},
		{"edge outside reference", &Query{Type: "user", Include: []string{"$since"}}, "edge field"},
		{"exclusive targets", &Query{Type: "article", ID: 1, IDs: []uint32{2}}, "exclusive"},
		{"gt on string", &Query{Type: "user", Filter: Where("name", OpGt, "a")}, "does not apply"},
		{"exists on main", &Query{Type: "article", Filter: Where("views", OpExists, nil)}, "separate field"},
		{"between arity", &Query{Type: "article", Filter: Where("views", OpBetween, 1)}, "two values"},
		{"bad enum", &Query{Type: "article", Filter: Where("status", OpEq, "gone")}, "not one of"},
		{"number for string", &Query{Type: "user", Filter: Where("name", OpEq, 3)}, "string values"},
		{"filter through leaf", &Query{Type: "article", Filter: Where("title.x", OpEq, "a")}, "not a reference"},
		{"unknown sort", &Query{Type: "article", Sort: &Sort{Path: "nope"}}, "unknown sort"},
		{"sort by json", &Query{Type: "article", Sort: &Sort{Path: "meta.tags"}}, "cannot sort"},
		{"unknown locale", &Query{Type: "article", Locale: "fr"}, "unknown locale"},
		{"meta on main", &Query{Type: "article", Meta: map[string]reader.ReadMode{"title": reader.ModeMeta}}, "meta is not available"},
		{"aggregate with include", &Query{Type: "article", Include: []string{"title"}, Aggregate: []Aggregate{{Fn: reader.AggCount}}}, "cannot include"},
		{"count with path", &Query{Type: "article", Aggregate: []Aggregate{{Fn: reader.AggCount, Path: "views"}}}, "count takes no field"},
		{"sum of string", &Query{Type: "article", Aggregate: []Aggregate{{Fn: reader.AggSum, Path: "title"}}}, "numeric field"},
		{"interval on enum", &Query{Type: "article", Aggregate: []Aggregate{{Fn: reader.AggCount}}, GroupBy: &GroupBy{Path: "status", Interval: reader.IntervalDay}}, "needs a timestamp"},
		{"refs on leaf", &Query{Type: "article", Refs: map[string]*Query{"title": {}}}, "not a reference"},
		{"nested target", &Query{Type: "article", Refs: map[string]*Query{"author": {ID: 3}}}, "cannot name targets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(s, tt.q)
			require.Error(t, err)
			assert.True(t, IsQueryError(err), "got %T", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	s := blog(t)
	c, err := Compile(s, &Query{Type: "article", Filter: Where("views", OpGt, 1)})
	require.NoError(t, err)

	_, err = Parse(c.Program[:len(c.Program)-3])
	require.Error(t, err)
	assert.True(t, IsProgramError(err))

	_, err = Parse(append(append([]byte{}, c.Program...), 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing")

	bad := append([]byte{}, c.Program...)
	bad[8] = 9
	_, err = Parse(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}
