package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/device"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/inode"
	"github.com/Alexander-D-Karpov/sectorfs/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Storage) {
	t.Helper()

	store, err := storage.Format(device.NewMemory(1024), &config.Config{
		CacheEntries:  32,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(SetupRouter(NewHandler(store)))
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})
	return srv, store
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "512.0 KB")
	assert.Contains(t, string(body), "/ 32")
}

func TestStatsAndHealth(t *testing.T) {
	srv, store := newTestServer(t)

	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = get(t, srv.URL+"/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st StatsResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, uint32(1024), st.TotalSectors)
	assert.Equal(t, store.FreeSectors(), st.FreeSectors)
	assert.Equal(t, 32, st.Capacity)
}

func TestSectorDump(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := get(t, srv.URL+"/sectors/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// Root directory magic 0x494e4f43, little endian.
	assert.Contains(t, string(body), "43 4f 4e 49")

	resp, _ = get(t, srv.URL+"/sectors/1024")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/sectors/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInodeEndpoints(t *testing.T) {
	srv, store := newTestServer(t)

	sector, err := store.Create(0, inode.KindFile)
	require.NoError(t, err)
	i, err := store.OpenInode(sector)
	require.NoError(t, err)
	content := strings.Repeat("inspect me ", 100)
	_, err = i.WriteAt([]byte(content), 0)
	require.NoError(t, err)
	require.NoError(t, i.Close())

	resp, body := get(t, srv.URL+"/inodes/"+sector.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info InodeResponse
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, uint32(sector), info.Sector)
	assert.Equal(t, "file", info.Kind)
	assert.Equal(t, uint32(len(content)), info.Length)
	assert.Equal(t, "live", info.State)
	assert.Len(t, info.Sectors, (len(content)+domain.SectorSize-1)/domain.SectorSize)

	resp, body = get(t, srv.URL+"/inodes/"+sector.String()+"/data")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, string(body))

	resp, body = get(t, srv.URL+"/inodes/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "directory", info.Kind)
}

func TestOpenInodes(t *testing.T) {
	srv, store := newTestServer(t)

	sector, err := store.Create(1024, inode.KindFile)
	require.NoError(t, err)
	i, err := store.OpenInode(sector)
	require.NoError(t, err)
	defer i.Close()
	require.NoError(t, i.DenyWrite())
	defer i.AllowWrite()

	resp, body := get(t, srv.URL+"/api/v1/inodes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []OpenInodeResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)

	assert.Equal(t, uint32(domain.FreeMapSector), list[0].Sector)
	assert.Equal(t, OpenInodeResponse{
		Sector:    uint32(sector),
		Kind:      "file",
		Length:    1024,
		OpenCount: 1,
		DenyWrite: 1,
		State:     "live",
	}, list[1])
}

func TestInodeNotAnInode(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := get(t, srv.URL+"/inodes/900")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "ECORRUPT", e.Code)
}

func TestStartStop(t *testing.T) {
	_, store := newTestServer(t)

	s := NewHTTPServer(store)
	require.NoError(t, s.Start("127.0.0.1:0"))
	s.Stop()
	s.Stop()
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "100 B", formatSize(100))
	assert.Equal(t, "1.5 KB", formatSize(1536))
	assert.Equal(t, "4.0 MB", formatSize(4<<20))
}
