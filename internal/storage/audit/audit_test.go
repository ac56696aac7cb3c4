package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

func TestRecord_Format(t *testing.T) {
	r := NewRecord(types.Batch{Index: 1, Low: 0, High: 1000}, types.BatchSucceeded)
	assert.Equal(t, "SUCCESS 0-999", r.String())
	assert.Equal(t, 1000, r.Next())

	r = NewRecord(types.Batch{Index: 3, Low: 2000, High: 2500}, types.BatchTimedOut)
	assert.Equal(t, "TIMEOUT 2000-2499", r.String())

	r = NewRecord(types.Batch{Index: 2, Low: 1000, High: 2000}, types.BatchFailed)
	assert.Equal(t, "ERROR 1000-1999", r.String())
}

func TestParseRecord(t *testing.T) {
	r, err := ParseRecord("TIMEOUT 1000-1999")
	require.NoError(t, err)
	assert.Equal(t, Record{Marker: MarkerTimeout, First: 1000, Last: 1999}, r)

	for _, bad := range []string{"", "SUCCESS", "DONE 0-9", "SUCCESS 0_9", "SUCCESS a-9", "SUCCESS 9-0", "SUCCESS 0-9 extra"} {
		_, err := ParseRecord(bad)
		assert.ErrorIs(t, err, ErrCorruptedLog, "input %q", bad)
	}
}

func TestLog_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")

	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(Record{MarkerSuccess, 0, 999}))
	require.NoError(t, log.Append(Record{MarkerError, 1000, 1999}))
	require.NoError(t, log.Close())
	assert.ErrorIs(t, log.Append(Record{MarkerSuccess, 0, 1}), ErrLogClosed)

	// Reopen appends rather than truncating.
	log, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(Record{MarkerTimeout, 2000, 2499}))
	require.NoError(t, log.Close())

	var got []string
	require.NoError(t, Replay(path, func(r Record) error {
		got = append(got, r.String())
		return nil
	}))
	assert.Equal(t, []string{"SUCCESS 0-999", "ERROR 1000-1999", "TIMEOUT 2000-2499"}, got)
}

func TestReplay_MissingFileIsEmpty(t *testing.T) {
	calls := 0
	err := Replay(filepath.Join(t.TempDir(), "none.log"), func(Record) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Zero(t, calls)
}

func TestReplay_TornTailIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("SUCCESS 0-999\nSUCCESS 1000-19"), 0o644))

	s, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Records)
	assert.Equal(t, 1000, s.Resume)
}

func TestOpen_DropsTornTailBeforeAppending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("SUCCESS 0-9\nSUCC"), 0o644))

	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(NewRecord(types.Batch{Index: 2, Low: 10, High: 20}, types.BatchSucceeded)))

	s, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, 20, s.Resume)

	require.NoError(t, log.Append(NewRecord(types.Batch{Index: 3, Low: 20, High: 30}, types.BatchFailed)))
	require.NoError(t, log.Close())

	s, err = Summarize(path)
	require.NoError(t, err, "later records must not turn the torn line into a corrupt middle")
	assert.Equal(t, 30, s.Resume)
	assert.Equal(t, 3, s.Records)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS 0-9\nSUCCESS 10-19\nERROR 20-29\n", string(data))
}

func TestOpen_TerminatesCompleteUnterminatedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("SUCCESS 0-9\nTIMEOUT 10-19"), 0o644))

	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(NewRecord(types.Batch{Index: 3, Low: 20, High: 30}, types.BatchSucceeded)))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS 0-9\nTIMEOUT 10-19\nSUCCESS 20-29\n", string(data))
}

func TestOpen_TornOnlyLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("ERR"), 0o644))

	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReplay_CorruptMiddleFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("SUCCESS 0-999\ngarbage\nSUCCESS 1000-1999\n"), 0o644))

	_, err := Summarize(path)
	assert.ErrorIs(t, err, ErrCorruptedLog)
}

func TestSummarize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte(
		"SUCCESS 0-999\nTIMEOUT 1000-1999\n\nERROR 2000-2999\nSUCCESS 3000-3499\n"), 0o644))

	s, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Records)
	assert.Equal(t, map[string]int{MarkerSuccess: 2, MarkerTimeout: 1, MarkerError: 1}, s.Counts)
	assert.Equal(t, 3500, s.Resume)
	require.NotNil(t, s.Last)
	assert.Equal(t, "SUCCESS 3000-3499", s.Last.String())
}
