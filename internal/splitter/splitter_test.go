package splitter

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opener(s string) Opener {
	return func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(s)), nil }
}

func collect(t *testing.T, s *Splitter, archive string) ([]Document, []error) {
	t.Helper()
	var docs []Document
	var errs []error
	for d, err := range s.Documents("ipg.xml", opener(archive)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, d)
	}
	return docs, errs
}

const grantA = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
	"<!DOCTYPE us-patent-grant SYSTEM \"us-patent-grant-v45.dtd\" [ ]>\n" +
	"<us-patent-grant><doc-number>A</doc-number></us-patent-grant>\n"

const grantB = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
	"<!DOCTYPE us-patent-grant SYSTEM \"us-patent-grant-v45.dtd\" [ ]>\n" +
	"<us-patent-grant>\n<doc-number>B</doc-number>\n</us-patent-grant>\n"

const sequence = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
	"<!DOCTYPE sequence-cwu SYSTEM \"us-sequence-listing.dtd\" [ ]>\n" +
	"<sequence-cwu/>\n"

// TestDocuments_SplitsAndFilters verifies documents are cut at declarations,
// other document types are skipped silently, and start lines are 0-based.
func TestDocuments_SplitsAndFilters(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	docs, errs := collect(t, s, grantA+sequence+grantB)
	require.Empty(t, errs)
	require.Len(t, docs, 2)

	assert.Equal(t, Document{File: "ipg.xml", Line: 0, Text: grantA}, docs[0])
	assert.Equal(t, 6, docs[1].Line)
	assert.Equal(t, grantB, docs[1].Text)
	assert.Equal(t, "ipg.xml:6", docs[1].Locator())
}

// TestDocuments_ExactRootMatch verifies a DOCTYPE whose name merely starts
// with the root is not taken for it.
func TestDocuments_ExactRootMatch(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	other := strings.Replace(grantA, "DOCTYPE us-patent-grant ", "DOCTYPE us-patent-grant-v42 ", 1)
	docs, errs := collect(t, s, other+grantB)
	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Equal(t, 3, docs[0].Line)
}

// TestDocuments_TruncatedTail verifies a final document without a trailing
// newline is still emitted.
func TestDocuments_TruncatedTail(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	tail := strings.TrimSuffix(grantB, "\n")
	docs, errs := collect(t, s, grantA+tail)
	require.Empty(t, errs)
	require.Len(t, docs, 2)
	assert.Equal(t, tail, docs[1].Text)
}

// TestDocuments_DroppedFragments verifies leading junk and a lone declaration
// are reported as recoverable errors, a declaration without a DOCTYPE line is
// skipped silently, and later documents still come through.
func TestDocuments_DroppedFragments(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	archive := "garbage before\n" +
		"<?xml version=\"1.0\"?>\n" +
		"<?xml version=\"1.0\"?>\n<us-patent-grant/>\n" +
		grantA
	docs, errs := collect(t, s, archive)

	require.Len(t, docs, 1)
	assert.Equal(t, 4, docs[0].Line)

	require.Len(t, errs, 2)
	var de *DroppedError
	require.True(t, errors.As(errs[0], &de))
	assert.Equal(t, 0, de.Line)
	assert.Equal(t, "garbage before", de.Fragment)
	require.True(t, errors.As(errs[1], &de))
	assert.Equal(t, 1, de.Line)
	assert.Contains(t, de.Reason, "DOCTYPE")
}

// TestDocuments_MissingDoctypeSkipped verifies a declaration followed by a
// non-DOCTYPE line between two documents yields no error.
func TestDocuments_MissingDoctypeSkipped(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	docs, errs := collect(t, s, grantA+"<?xml version=\"1.0\"?>\n<a>no doctype</a>\n"+grantB)
	require.Empty(t, errs)
	require.Len(t, docs, 2)
	assert.Equal(t, grantA, docs[0].Text)
	assert.Equal(t, grantB, docs[1].Text)
}

// TestDocuments_LeadingBlankLines verifies whitespace before the first
// declaration is not reported.
func TestDocuments_LeadingBlankLines(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	docs, errs := collect(t, s, "\n  \n"+grantA)
	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Equal(t, 2, docs[0].Line)
}

// TestDocuments_PermissiveDecoding verifies invalid UTF-8 is replaced rather
// than failing the file, and a BOM does not hide the first declaration.
func TestDocuments_PermissiveDecoding(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	bad := strings.Replace(grantA, ">A<", ">A\xff<", 1)
	docs, errs := collect(t, s, "\ufeff"+bad)
	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "A\ufffd<")
}

// TestDocuments_Latin1 verifies an explicit input encoding label is honored.
func TestDocuments_Latin1(t *testing.T) {
	t.Parallel()

	s, err := New("us-patent-grant", "iso-8859-1")
	require.NoError(t, err)
	latin := strings.Replace(grantA, ">A<", ">Jos\xe9<", 1)
	docs, errs := collect(t, s, latin)
	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "José")

	_, err = New("x", "no-such-encoding")
	require.Error(t, err)
}

// TestDocuments_Restartable verifies each iteration re-opens the input, and
// that stopping early closes it.
func TestDocuments_Restartable(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "us-patent-grant"}
	opens, closes := 0, 0
	open := func() (io.ReadCloser, error) {
		opens++
		return &closeCounter{Reader: strings.NewReader(grantA + grantB), n: &closes}, nil
	}
	seq := s.Documents("f", open)

	for range seq {
		break
	}
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, opens)
	assert.Equal(t, 2, closes)
}

// TestDocuments_OpenError verifies an open failure ends the sequence.
func TestDocuments_OpenError(t *testing.T) {
	t.Parallel()

	s := &Splitter{Root: "r"}
	boom := errors.New("boom")
	var got []error
	for _, err := range s.Documents("f", func() (io.ReadCloser, error) { return nil, boom }) {
		got = append(got, err)
	}
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
}

type closeCounter struct {
	io.Reader
	n *int
}

func (c *closeCounter) Close() error {
	*c.n++
	return nil
}
