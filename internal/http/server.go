// Package http serves a read-only inspector for a mounted volume: cache
// and free-space statistics, raw sectors and inode contents.
package http

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
	"github.com/Alexander-D-Karpov/sectorfs/internal/storage"
)

type HTTPServer struct {
	storage *storage.Storage
	server  *http.Server
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>sectorfs</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            margin: 0;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            max-width: 900px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        h1 {
            margin: 0;
            padding: 20px;
            background: #2c3e50;
            color: white;
            font-size: 1.2em;
            font-weight: 500;
        }
        table {
            width: 100%;
            border-collapse: collapse;
        }
        th, td {
            padding: 12px 20px;
            text-align: left;
            border-bottom: 1px solid #eee;
        }
        th {
            background: #f8f9fa;
            font-weight: 600;
            color: #666;
            font-size: 0.85em;
            text-transform: uppercase;
        }
        a {
            color: #3498db;
            text-decoration: none;
        }
        .num {
            color: #999;
            font-size: 0.9em;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>sectorfs volume</h1>
        <table>
            <thead>
                <tr><th>Metric</th><th>Value</th></tr>
            </thead>
            <tbody>
                <tr><td>Capacity</td><td class="num">{{.TotalSectors}} sectors ({{.TotalBytes | formatSize}})</td></tr>
                <tr><td>Free</td><td class="num">{{.FreeSectors}} sectors ({{.FreeBytes | formatSize}})</td></tr>
                <tr><td>Open inodes</td><td class="num">{{.OpenInodes}}</td></tr>
                <tr><td>Cache entries</td><td class="num">{{.Cache.Entries}} / {{.Cache.Capacity}}</td></tr>
                <tr><td>Dirty / pinned</td><td class="num">{{.Cache.Dirty}} / {{.Cache.Pinned}}</td></tr>
                <tr><td>Hits / misses</td><td class="num">{{.Cache.Hits}} / {{.Cache.Misses}}</td></tr>
                <tr><td>Evictions</td><td class="num">{{.Cache.Evictions}} ({{.Cache.EvictRetries}} retries)</td></tr>
                <tr><td>Write-backs</td><td class="num">{{.Cache.WriteBacks}}</td></tr>
                <tr><td>Read-aheads</td><td class="num">{{.Cache.ReadAheads}} ({{.Cache.Queued}} queued)</td></tr>
            </tbody>
        </table>
        <table>
            <tbody>
                <tr><td><a href="/inodes/1">root directory</a></td><td><a href="/inodes/0">free map</a></td></tr>
            </tbody>
        </table>
    </div>
</body>
</html>`

var index = template.Must(template.New("index").Funcs(template.FuncMap{
	"formatSize": formatSize,
}).Parse(indexTemplate))

func NewHTTPServer(store *storage.Storage) *HTTPServer {
	return &HTTPServer{
		storage: store,
	}
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *HTTPServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      SetupRouter(NewHandler(s.storage)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("HTTP inspector listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

func (s *HTTPServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
