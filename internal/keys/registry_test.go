package keys

import (
	"errors"
	"path/filepath"
	"testing"

	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope(rel, entry string) Scope {
	return Scope{
		Root:      "/srv/pages",
		Dist:      "/srv/dist",
		Public:    "public",
		RelPath:   rel,
		EntryName: entry,
	}
}

func TestTypeString(t *testing.T) {
	testCases := []struct {
		typ      Type
		expected string
	}{
		{TypeValue, "value"},
		{TypePath, "path"},
		{TypeFile, "file"},
		{TypeFiles, "files"},
		{TypeCustom, "custom"},
		{TypePagePath, "page-path"},
		{TypeResolved, "resolved"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.typ.String())
		})
	}
	assert.Equal(t, "static", EntryStatic.String())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "title", Type: TypeValue}))

	err := r.Register(Definition{Name: "title", Type: TypePath})
	require.Error(t, err)
	assert.True(t, errors.Is(err, atterrors.ErrDuplicateKey))

	def, ok := r.Lookup("title")
	require.True(t, ok)
	assert.Equal(t, TypeValue, def.Type, "type must not change after registration")

	err = r.RegisterFile("title", `^index\.html$`, FileOptions{})
	assert.True(t, errors.Is(err, atterrors.ErrDuplicateKey))
	assert.Empty(t, r.Matchers(), "a rejected file key must not leave a matcher behind")
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Definition{}))
	assert.Error(t, r.RegisterFile("template", "(", FileOptions{}))
}

func TestFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFile("template", `^index\.`, FileOptions{}))
	require.NoError(t, r.RegisterFile("html", `\.html$`, FileOptions{}))

	m := r.Match("index.html")
	require.NotNil(t, m)
	assert.Equal(t, "template", m.Key)
	assert.Equal(t, 0, m.Priority())

	m = r.Match("about.html")
	require.NotNil(t, m)
	assert.Equal(t, "html", m.Key)

	assert.Nil(t, r.Match("style.css"))
}

func TestApplySeedsEveryKey(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "title", Type: TypeValue, Default: "Untitled", Inherited: true}))
	require.NoError(t, r.Register(Definition{Name: "plain", Type: TypeValue}))
	require.NoError(t, r.Register(Definition{
		Name: "dist",
		Type: TypeResolved,
		Resolve: func(s Scope) any {
			return filepath.Join(s.Dist, s.EntryName)
		},
	}))
	require.NoError(t, r.RegisterFile("template", `^index\.html$`, FileOptions{Entry: EntryStatic}))

	keys := r.Apply(testScope("blog", "blog"), nil)
	require.Len(t, keys, 4)

	assert.Equal(t, "Untitled", keys["title"].Get())
	assert.Equal(t, OriginDefault, keys["title"].Origin())
	assert.False(t, keys["plain"].IsSet())
	assert.Equal(t, "/srv/dist/blog", keys["dist"].Get())
	assert.False(t, keys["template"].IsSet())
}

func TestApplyInheritance(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "title", Type: TypeValue, Inherited: true}))
	require.NoError(t, r.Register(Definition{Name: "local", Type: TypeValue}))
	require.NoError(t, r.Register(Definition{Name: "layout", Type: TypePagePath, Inherited: true}))

	parentScope := testScope("blog", "blog")
	parent := r.Apply(parentScope, nil)
	parent["title"].Set("Blog")
	parent["local"].Set("only here")
	parent["layout"].Set("layout.html")
	for _, k := range parent {
		k.ResolvePaths(parentScope)
	}

	childScope := testScope("blog/post1", "blog.post1")
	child := r.Apply(childScope, parent)
	for _, k := range child {
		k.ResolvePaths(childScope)
	}

	assert.Equal(t, "Blog", child["title"].Get())
	assert.Equal(t, OriginInherited, child["title"].Origin())
	assert.False(t, child["local"].IsSet())
	assert.Equal(t, "/srv/pages/blog/layout.html", child["layout"].Resolved(),
		"inherited page paths stay resolved against the ancestor")

	child["title"].Set("Post")
	assert.Equal(t, "Blog", parent["title"].Get())
}

func TestBindFiles(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFile("template", `^index\.html$`, FileOptions{Entry: EntryStatic}))
	require.NoError(t, r.RegisterFiles("styles", `\.css$`, FileOptions{Entry: EntryDynamic}))

	scope := testScope("blog/post1", "blog.post1")
	keys := r.Apply(scope, nil)

	for _, name := range []string{"index.html", "a.css", "b.css"} {
		m := r.Match(name)
		require.NotNil(t, m)
		require.NoError(t, r.Bind(keys, m, NewFileInfo(scope, name), scope))
	}

	tpl := keys["template"]
	assert.Equal(t, "/srv/pages/blog/post1/index.html", tpl.Resolved())
	assert.Equal(t, "/srv/dist/public/blog/post1/index.html", tpl.Dist())
	assert.Equal(t, "blog/post1/index.html", tpl.String())
	assert.Equal(t, tpl.Dist(), tpl.Source(true))
	assert.Equal(t, tpl.Resolved(), tpl.Source(false))

	styles := keys["styles"].Files()
	require.Len(t, styles, 2)
	assert.Equal(t, "/srv/dist/blog.post1.styles.0.css", styles[0].DistPath)
	assert.Equal(t, "/srv/dist/blog.post1.styles.1.css", styles[1].DistPath)
	assert.Equal(t, "/srv/pages/blog/post1/b.css", styles[1].Source(false))
}

func TestBindCallbackFailureRestoresKey(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFile("controller", `^controller\.yaml$`, FileOptions{
		Callback: func(k *Key, file *FileInfo, scope Scope) error {
			panic("bad controller")
		},
	}))

	scope := testScope("", "index")
	keys := r.Apply(scope, nil)
	m := r.Match("controller.yaml")
	require.NotNil(t, m)

	err := r.Bind(keys, m, NewFileInfo(scope, "controller.yaml"), scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad controller")
	assert.False(t, keys["controller"].IsSet())
}

func TestResolvePaths(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "favicon", Type: TypePath, Default: "assets/favicon.ico", Entry: EntryStatic}))
	require.NoError(t, r.Register(Definition{Name: "body", Type: TypePagePath, Default: "body.md", Entry: EntryDynamic, DistExt: ".html"}))
	require.NoError(t, r.Register(Definition{Name: "abs", Type: TypeResolved, Default: "/etc/attitude/base.html"}))

	scope := testScope("docs", "docs")
	keys := r.Apply(scope, nil)
	for _, k := range keys {
		k.ResolvePaths(scope)
	}

	assert.Equal(t, "/srv/pages/assets/favicon.ico", keys["favicon"].Resolved())
	assert.Equal(t, "/srv/dist/public/docs/favicon.ico", keys["favicon"].Dist())
	assert.Equal(t, "/srv/pages/docs/body.md", keys["body"].Resolved())
	assert.Equal(t, "/srv/dist/docs.body.html", keys["body"].Dist())
	assert.Equal(t, "/etc/attitude/base.html", keys["abs"].Resolved())
	assert.Empty(t, keys["abs"].Dist())
}

func TestAssignRejectsNonFileKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "title", Type: TypeValue}))
	keys := r.Apply(testScope("", "index"), nil)
	assert.Error(t, keys["title"].Assign(&FileInfo{Path: "/x"}, testScope("", "index")))
}
