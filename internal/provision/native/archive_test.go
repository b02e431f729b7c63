package native

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	body string
	mode int64
	dir  bool
}

func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	archive := buildTarGz(t, []tarEntry{
		{name: "bin/", mode: 0o755, dir: true},
		{name: "bin/run.sh", body: "#!/bin/sh\n", mode: 0o755},
		{name: "config.sh", body: "#!/bin/sh\nconfigure\n", mode: 0o755},
		{name: "docs/readme", body: "hello", mode: 0o644},
	})

	dir := t.TempDir()
	require.NoError(t, extractTarGz(bytes.NewReader(archive), dir))

	body, err := os.ReadFile(filepath.Join(dir, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(body))

	info, err := os.Stat(filepath.Join(dir, "config.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// A parent directory missing from the archive is created as needed.
	_, err = os.Stat(filepath.Join(dir, "docs", "readme"))
	assert.NoError(t, err)
}

func TestExtractTarGz_RejectsEscapingEntries(t *testing.T) {
	archive := buildTarGz(t, []tarEntry{
		{name: "../evil.sh", body: "#!/bin/sh\n", mode: 0o755},
	})

	dir := t.TempDir()
	err := extractTarGz(bytes.NewReader(archive), dir)
	assert.ErrorContains(t, err, "escapes extraction dir")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	err := extractTarGz(bytes.NewReader([]byte("plain text")), t.TempDir())
	assert.Error(t, err)
}

func TestFetchAndExtract(t *testing.T) {
	archive := buildTarGz(t, []tarEntry{
		{name: "run.sh", body: "#!/bin/sh\n", mode: 0o755},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, fetchAndExtract(context.Background(), srv.URL, dir))
	_, err := os.Stat(filepath.Join(dir, "run.sh"))
	assert.NoError(t, err)
}

func TestFetchAndExtract_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := fetchAndExtract(context.Background(), srv.URL, t.TempDir())
	assert.Error(t, err)
}
