package interchange

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RemarkStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "remarks.db")
	s, err := NewRemarkStore(dbPath, DefaultRemarkStoreOptions())
	require.NoError(t, err)
	return s, dbPath
}

func TestRemarkStoreRequiresRun(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()

	r := Remark{Kind: RemarkMissed, Pass: PassName, Name: "Dependence"}
	assert.ErrorIs(t, s.Put(r), ErrNoRun)

	s.Emit(r)
	assert.ErrorIs(t, s.Err(), ErrNoRun)
}

func TestRemarkStoreRoundTrip(t *testing.T) {
	s, dbPath := newTestStore(t)

	first, err := s.BeginRun("first")
	require.NoError(t, err)
	want := []Remark{
		{Kind: RemarkAnalysis, Pass: PassName, Name: "Dependence", Function: "f", Loop: "h0.b1", Message: "Computed dependence info, invoking the transform."},
		{Kind: RemarkPassed, Pass: PassName, Name: "Interchanged", Function: "f", Loop: "h1.b2", Message: "Loop interchanged with enclosing loop."},
	}
	for _, r := range want {
		s.Emit(r)
	}
	require.NoError(t, s.Err())

	second, err := s.BeginRun("second")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	s.Emit(Remark{Kind: RemarkMissed, Pass: PassName, Name: "CallInst", Function: "g"})
	require.NoError(t, s.Flush())

	got, err := s.Remarks(first)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("remarks mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, s.Close())

	ro, err := NewRemarkStore(dbPath, RemarkStoreOptions{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	runs, err := ro.Runs()
	require.NoError(t, err)
	var labels []string
	for _, r := range runs {
		labels = append(labels, r.Label)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, labels)

	got, err = ro.Remarks(second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CallInst", got[0].Name)

	got, err = ro.Remarks("no-such-run")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemarkStoreReadOnlyMissing(t *testing.T) {
	_, err := NewRemarkStore(filepath.Join(t.TempDir(), "absent"), RemarkStoreOptions{ReadOnly: true})
	assert.Error(t, err)
}

func TestRemarkStoreRecordsPassRemarks(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	id, err := s.BeginRun("column")
	require.NoError(t, err)

	n, _ := columnNest("column")
	c, changed := runPass(t, n.F, DefaultOptions(), WithRemarks(&RemarkCollector{}, s))
	require.True(t, changed)
	assert.Empty(t, c.Remarks(), "WithRemarks replaces earlier sinks")
	require.NoError(t, s.Err())

	got, err := s.Remarks(id)
	require.NoError(t, err)
	var names []string
	for _, r := range got {
		names = append(names, r.Name)
		assert.Equal(t, "column", r.Function)
	}
	assert.Equal(t, []string{"Dependence", "Interchanged"}, names)
}
