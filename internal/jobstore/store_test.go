package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
)

func strPtr(s string) *string     { return &s }
func statusPtr(s Status) *Status  { return &s }
func intPtr(i int) *int           { return &i }

func TestUpdate_AppliesPartialPatch(t *testing.T) {
	s := New()
	s.Save(Record{ID: "j1", Status: StatusPending})

	r, err := s.Update("j1", Patch{CurrentStep: strPtr("downloading"), ProgressPercent: intPtr(10)})
	require.NoError(t, err)
	assert.Equal(t, "downloading", r.CurrentStep)
	assert.Equal(t, 10, r.ProgressPercent)
	assert.Equal(t, StatusPending, r.Status)
}

func TestUpdate_RejectsPatchOnTerminalRecord(t *testing.T) {
	s := New()
	s.Save(Record{ID: "j1", Status: StatusCompleted})

	_, err := s.Update("j1", Patch{CurrentStep: strPtr("x")})
	require.Error(t, err)
	assert.Equal(t, apierrors.Validation, apierrors.KindOf(err))
}

func TestUpdate_UnknownIDFails(t *testing.T) {
	s := New()
	_, err := s.Update("missing", Patch{})
	require.Error(t, err)
	assert.Equal(t, apierrors.NotFound, apierrors.KindOf(err))
}

func TestList_OrdersByCreatedAtDesc(t *testing.T) {
	s := New()
	s.Save(Record{ID: "old", Status: StatusPending})
	s.Save(Record{ID: "new", Status: StatusPending})

	list := s.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
}

func TestOnChange_FansOutToCallbacks(t *testing.T) {
	s := New()
	var seen []Record
	s.OnChange(func(r Record) { seen = append(seen, r) })

	s.Save(Record{ID: "j1", Status: StatusPending})
	_, err := s.Update("j1", Patch{Status: statusPtr(StatusProcessing)})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, StatusProcessing, seen[1].Status)
}
