package http

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/inode"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
	"github.com/Alexander-D-Karpov/sectorfs/internal/storage"
)

// maxInodeSectors caps the sector map returned for one inode.
const maxInodeSectors = 512

type Handler struct {
	storage *storage.Storage
}

func NewHandler(store *storage.Storage) *Handler {
	return &Handler{storage: store}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type InodeResponse struct {
	Sector    uint32   `json:"sector"`
	Kind      string   `json:"kind"`
	Length    uint32   `json:"length"`
	OpenCount int      `json:"open_count"`
	State     string   `json:"state"`
	Sectors   []uint32 `json:"sectors"`
	Truncated bool     `json:"truncated,omitempty"`
}

type OpenInodeResponse struct {
	Sector    uint32 `json:"sector"`
	Kind      string `json:"kind"`
	Length    uint32 `json:"length"`
	OpenCount int    `json:"open_count"`
	DenyWrite int    `json:"deny_write"`
	State     string `json:"state"`
}

type StatsResponse struct {
	TotalSectors uint32 `json:"total_sectors"`
	FreeSectors  uint64 `json:"free_sectors"`
	OpenInodes   int    `json:"open_inodes"`
	Entries      int    `json:"cache_entries"`
	Capacity     int    `json:"cache_capacity"`
	Dirty        int    `json:"cache_dirty"`
	Pinned       int    `json:"cache_pinned"`
	Hits         int64  `json:"cache_hits"`
	Misses       int64  `json:"cache_misses"`
	Evictions    int64  `json:"cache_evictions"`
	WriteBacks   int64  `json:"cache_write_backs"`
	ReadAheads   int64  `json:"cache_read_aheads"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("error encoding JSON", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCorrupted):
		writeError(w, http.StatusUnprocessableEntity, "ECORRUPT", err.Error())
	case errors.Is(err, domain.ErrInvalidOffset), errors.Is(err, domain.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "EINVAL", err.Error())
	case errors.Is(err, domain.ErrCacheFull):
		writeError(w, http.StatusServiceUnavailable, "EBUSY", err.Error())
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "ECLOSED", err.Error())
	case errors.Is(err, domain.ErrDeviceIO):
		writeError(w, http.StatusBadGateway, "EIO", err.Error())
	default:
		logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "EIO", "internal error")
	}
}

func sectorParam(w http.ResponseWriter, r *http.Request) (domain.Sector, bool) {
	n, err := strconv.ParseUint(r.PathValue("n"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "EINVAL", "invalid sector number")
		return 0, false
	}
	return domain.Sector(n), true
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	st := h.storage.Stats()
	data := struct {
		storage.Stats
		TotalBytes int64
		FreeBytes  int64
	}{
		Stats:      st,
		TotalBytes: int64(st.TotalSectors) * domain.SectorSize,
		FreeBytes:  int64(st.FreeSectors) * domain.SectorSize,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := index.Execute(w, data); err != nil {
		logger.Warn("error rendering index", "error", err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st := h.storage.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		TotalSectors: uint32(st.TotalSectors),
		FreeSectors:  st.FreeSectors,
		OpenInodes:   st.OpenInodes,
		Entries:      st.Cache.Entries,
		Capacity:     st.Cache.Capacity,
		Dirty:        st.Cache.Dirty,
		Pinned:       st.Cache.Pinned,
		Hits:         st.Cache.Hits,
		Misses:       st.Cache.Misses,
		Evictions:    st.Cache.Evictions,
		WriteBacks:   st.Cache.WriteBacks,
		ReadAheads:   st.Cache.ReadAheads,
	})
}

// OpenInodes lists the inodes currently held open, by sector.
func (h *Handler) OpenInodes(w http.ResponseWriter, r *http.Request) {
	list := []OpenInodeResponse{}
	h.storage.EachOpen(func(i *inode.Inode) {
		list = append(list, OpenInodeResponse{
			Sector:    uint32(i.Sector()),
			Kind:      i.Kind().String(),
			Length:    i.Length(),
			OpenCount: i.OpenCount(),
			DenyWrite: i.DenyWriteCount(),
			State:     i.State().String(),
		})
	})
	sort.Slice(list, func(a, b int) bool { return list[a].Sector < list[b].Sector })
	writeJSON(w, http.StatusOK, list)
}

// Sector writes a hex dump of one sector as seen through the cache.
func (h *Handler) Sector(w http.ResponseWriter, r *http.Request) {
	sector, ok := sectorParam(w, r)
	if !ok {
		return
	}
	if sector >= h.storage.Capacity() {
		writeError(w, http.StatusNotFound, "ENOENT", "sector out of range")
		return
	}

	buf, err := h.storage.ReadSector(sector)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, hex.Dump(buf))
}

func (h *Handler) Inode(w http.ResponseWriter, r *http.Request) {
	i, ok := h.open(w, r)
	if !ok {
		return
	}
	defer i.Close()

	resp := InodeResponse{
		Sector:    uint32(i.Sector()),
		Kind:      i.Kind().String(),
		Length:    i.Length(),
		OpenCount: i.OpenCount(),
		State:     i.State().String(),
	}
	for off := int64(0); off < int64(resp.Length); off += domain.SectorSize {
		if len(resp.Sectors) == maxInodeSectors {
			resp.Truncated = true
			break
		}
		s, err := i.ByteToSector(off)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		resp.Sectors = append(resp.Sectors, uint32(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// InodeData streams the content of an inode.
func (h *Handler) InodeData(w http.ResponseWriter, r *http.Request) {
	i, ok := h.open(w, r)
	if !ok {
		return
	}
	defer i.Close()

	length := int64(i.Length())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, io.NewSectionReader(i, 0, length)); err != nil {
		logger.Warn("error streaming inode", "sector", i.Sector(), "error", err)
	}
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) (*inode.Inode, bool) {
	sector, ok := sectorParam(w, r)
	if !ok {
		return nil, false
	}
	if sector >= h.storage.Capacity() {
		writeError(w, http.StatusNotFound, "ENOENT", "sector out of range")
		return nil, false
	}
	i, err := h.storage.OpenInode(sector)
	if err != nil {
		handleDomainError(w, err)
		return nil, false
	}
	return i, true
}
