package upgrader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

const sb3 = `{"targets": [{"isStage": true, "name": "Stage", "blocks": {}}]}`
const sb2 = `{"objName": "Stage", "children": []}`

type staticFetcher map[types.ProjectID]string

func (f staticFetcher) Fetch(_ context.Context, id types.ProjectID) ([]byte, error) {
	body, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("no project %s", id)
	}
	return []byte(body), nil
}

type stubConverter struct {
	out string
	err error
}

func (c stubConverter) Convert(context.Context, types.ProjectID, []byte) ([]byte, error) {
	return []byte(c.out), c.err
}

// ============================================================================
// Normalize
// ============================================================================

func TestNormalize_Versions(t *testing.T) {
	fetcher := staticFetcher{
		"current": sb3,
		"sb2":     sb2,
		"sb1":     "ScratchV02....",
		"junk":    "<html></html>",
	}

	t.Run("current passes through", func(t *testing.T) {
		doc, err := New(fetcher, nil).Normalize(context.Background(), "current")
		require.NoError(t, err)
		assert.Equal(t, 3, doc.SourceVersion)
		assert.Equal(t, sb3, string(doc.Body))
	})

	t.Run("schema 2 without converter", func(t *testing.T) {
		doc, err := New(fetcher, nil).Normalize(context.Background(), "sb2")
		assert.ErrorIs(t, err, ErrNoConverter)
		assert.Equal(t, 2, doc.SourceVersion)
	})

	t.Run("schema 2 converted", func(t *testing.T) {
		doc, err := New(fetcher, stubConverter{out: sb3}).Normalize(context.Background(), "sb2")
		require.NoError(t, err)
		assert.Equal(t, 2, doc.SourceVersion)
		assert.Equal(t, sb3, string(doc.Body))
	})

	t.Run("converter output still old", func(t *testing.T) {
		_, err := New(fetcher, stubConverter{out: sb2}).Normalize(context.Background(), "sb2")
		assert.ErrorIs(t, err, ErrConvert)
	})

	t.Run("converter fails", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := New(fetcher, stubConverter{err: boom}).Normalize(context.Background(), "sb2")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("schema 1 rejected", func(t *testing.T) {
		doc, err := New(fetcher, stubConverter{out: sb3}).Normalize(context.Background(), "sb1")
		assert.ErrorIs(t, err, ErrLegacyFormat)
		assert.Equal(t, 1, doc.SourceVersion)
	})

	t.Run("not a project", func(t *testing.T) {
		_, err := New(fetcher, nil).Normalize(context.Background(), "junk")
		assert.Error(t, err)
	})

	t.Run("fetch error", func(t *testing.T) {
		_, err := New(fetcher, nil).Normalize(context.Background(), "missing")
		assert.Error(t, err)
	})
}

// ============================================================================
// Fetchers
// ============================================================================

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/projects/104":
			_, _ = w.Write([]byte(sb3))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/projects/%s", 2*time.Second, 0, 0)

	body, err := f.Fetch(context.Background(), "104")
	require.NoError(t, err)
	assert.Equal(t, sb3, string(body))

	_, err = f.Fetch(context.Background(), "999")
	assert.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPFetcher_RateLimitHonoursContext(t *testing.T) {
	f := NewHTTPFetcher("http://127.0.0.1:1/%s", time.Second, 0.001, 1)

	// Spend the single burst token.
	require.NoError(t, f.limiter.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestDirFetcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7.json"), []byte(sb3), 0o644))

	f := DirFetcher{Dir: dir}
	body, err := f.Fetch(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, sb3, string(body))

	_, err = f.Fetch(context.Background(), "8")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = f.Fetch(context.Background(), "../7")
	assert.Error(t, err)
}

func TestCommandConverter(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	ok := CommandConverter{Argv: []string{"/bin/sh", "-c", `cat >/dev/null; printf '%s' '` + sb3 + `'`}}
	out, err := ok.Convert(context.Background(), "5", []byte(sb2))
	require.NoError(t, err)
	assert.Equal(t, sb3, string(out))

	bad := CommandConverter{Argv: []string{"/bin/sh", "-c", `echo broken >&2; exit 3`}}
	_, err = bad.Convert(context.Background(), "5", []byte(sb2))
	assert.ErrorIs(t, err, ErrConvert)
	assert.Contains(t, err.Error(), "broken")

	_, err = CommandConverter{}.Convert(context.Background(), "5", nil)
	assert.ErrorIs(t, err, ErrNoConverter)
}

func TestFromConfig_PrefersDirectory(t *testing.T) {
	u := FromConfig(Config{ProjectDir: "/data", ConvertCommand: []string{"convert"}})
	assert.IsType(t, DirFetcher{}, u.fetcher)
	assert.IsType(t, CommandConverter{}, u.converter)

	u = FromConfig(Config{})
	assert.IsType(t, &HTTPFetcher{}, u.fetcher)
	assert.Nil(t, u.converter)
}
