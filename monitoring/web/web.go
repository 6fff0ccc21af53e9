// Package web holds the status page of the bus monitor.
package web

import (
	"embed"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/pkg/errors"
)

//go:embed dist/*
var dist embed.FS

// StatusPage is the file served at the root of the monitor.
const StatusPage = "index.html"

// AssetDirEnv names the variable that points the monitor at a directory of
// page files on disk. Pages in that directory can be edited while a bus runs.
const AssetDirEnv = "SIMBUS_MONITOR_ASSETS"

// Assets returns the files of the monitor pages.
func Assets() http.FileSystem {
	if dir := os.Getenv(AssetDirEnv); dir != "" {
		return http.Dir(dir)
	}

	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

// Page reads the status page from assets.
func Page(assets http.FileSystem) ([]byte, error) {
	f, err := assets.Open(StatusPage)
	if err != nil {
		return nil, errors.Wrap(err, "status page")
	}
	defer f.Close()

	return io.ReadAll(f)
}
