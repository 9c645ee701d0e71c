package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_Grant verifies key order, directives, type hints and nesting are
// compiled as written.
func TestParse_Grant(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`
xml_root: us-patent-grant
<comment>: ignored directive
us-patent-grant:
  <entity>: grant
  <primary_key>: us-bibliographic-data-grant/publication-reference/document-id/doc-number
  <filename_field>: source_file
  <fields>:
    us-bibliographic-data-grant/invention-title: title
    us-bibliographic-data-grant/publication-reference/document-id/date: grant_date:DATE
    abstract/p:
      <fieldname>: abstract
      <joiner>: "\n"
    claims/claim:
      <entity>: claim
      <fields>:
        claim-text: text
        '@id':
          - claim_ref
          - <fieldname>: kind
            <enum_type>: independent
    us-bibliographic-data-grant/application-reference/@appl-type:
      <fieldname>: appl_type
      <enum_map>:
        utility: U
        design: D
        reissue: ~
`))
	require.NoError(t, err)

	assert.Equal(t, "us-patent-grant", m.Root)
	assert.False(t, m.RootDefaulted)
	require.Len(t, m.Bindings, 1)

	grant, ok := m.Bindings[0].Rule.(*Entity)
	require.True(t, ok)
	assert.Equal(t, "grant", grant.Name)
	assert.Equal(t, "source_file", grant.FilenameField)
	require.NotNil(t, grant.PrimaryKey)
	assert.Equal(t, "us-bibliographic-data-grant/publication-reference/document-id/doc-number", grant.PrimaryKey.Path)
	require.Len(t, grant.Fields, 5)

	assert.Equal(t, Field{Name: "title"}, grant.Fields[0].Rule)
	assert.Equal(t, Field{Name: "grant_date", Type: "DATE"}, grant.Fields[1].Rule)
	assert.Equal(t, Join{Field: Field{Name: "abstract"}, Separator: "\n"}, grant.Fields[2].Rule)

	claim, ok := grant.Fields[3].Rule.(*Entity)
	require.True(t, ok)
	assert.Equal(t, "claim", claim.Name)
	assert.Nil(t, claim.PrimaryKey)
	fan, ok := claim.Fields[1].Rule.(FanOut)
	require.True(t, ok)
	assert.Equal(t, FanOut{Field{Name: "claim_ref"}, EnumConst{Field: Field{Name: "kind"}, Value: "independent"}}, fan)

	enum, ok := grant.Fields[4].Rule.(EnumLookup)
	require.True(t, ok)
	require.Contains(t, enum.Values, "reissue")
	assert.Nil(t, enum.Values["reissue"])
	require.NotNil(t, enum.Values["utility"])
	assert.Equal(t, "U", *enum.Values["utility"])

	assert.Same(t, grant, m.FirstEntity())
}

// TestParse_DefaultRoot verifies the first top-level key stands in for a
// missing xml_root directive.
func TestParse_DefaultRoot(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`
us-patent-application:
  <entity>: application
`))
	require.NoError(t, err)
	assert.Equal(t, "us-patent-application", m.Root)
	assert.True(t, m.RootDefaulted)
}

// TestParse_Aliases verifies YAML anchors can share field blocks.
func TestParse_Aliases(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`
a:
  <entity>: a
  <fields>: &common
    title: title
b:
  <entity>: b
  <fields>: *common
`))
	require.NoError(t, err)
	require.Len(t, m.Bindings, 2)
	b := m.Bindings[1].Rule.(*Entity)
	require.Len(t, b.Fields, 1)
	assert.Equal(t, Field{Name: "title"}, b.Fields[0].Rule)
}

// TestParse_SchemaErrors verifies malformed definitions are rejected with a
// SchemaError before any document is touched.
func TestParse_SchemaErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"mixed kinds": `
r:
  <entity>: r
  <fields>:
    x:
      <fieldname>: x
      <joiner>: ","
      <enum_type>: y
`,
		"unrecognized mapping": `
r:
  <entity>: r
  <fields>:
    x:
      name: x
`,
		"top-level field": `
r: title
`,
		"bad selector": `
r:
  <entity>: r
  <fields>:
    "a[": x
`,
		"empty entity name": `
r:
  <entity>: ""
`,
		"fields not mapping": `
r:
  <entity>: r
  <fields>: [a, b]
`,
		"unknown entity key": `
r:
  <entity>: r
  <primary>: id
`,
		"no rules": `
xml_root: r
`,
		"not a mapping": `- a`,
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(cfg))
			var se *SchemaError
			require.Error(t, err)
			assert.True(t, errors.As(err, &se), "want SchemaError, got %T: %v", err, err)
		})
	}
}

// TestSchemaError_Message verifies the error names the key path and line.
func TestSchemaError_Message(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("r:\n  <entity>: r\n  <fields>:\n    x:\n      <fieldname>: x\n      <joiner>: ','\n      <enum_type>: y\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r/x")
	assert.Contains(t, err.Error(), "line 5")
	assert.Contains(t, err.Error(), "<enum_type> and <joiner>")
}

// TestLoad_ReadsFile verifies Load reads from disk and reports read errors.
func TestLoad_ReadsFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(p, []byte("r:\n  <entity>: r\n"), 0o600))

	m, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "r", m.Root)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
