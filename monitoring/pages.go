package monitoring

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed dist
var bundledPages embed.FS

// pages returns the files served below the API routes. A directory, when
// given, is served in place of the pages built into the binary.
func pages(dir string) http.FileSystem {
	if dir != "" {
		return http.Dir(dir)
	}

	sub, err := fs.Sub(bundledPages, "dist")
	dieOnErr(err)

	return http.FS(sub)
}
