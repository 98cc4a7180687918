package handler

import (
	"net/http"
	"os"

	"github.com/pkg/errors"

	"ajpd/internal/bridge"
)

// Files serves the directory root under prefix through
// http.FileServer.
func Files(prefix, root string) (bridge.Handler, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "document root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("document root %s is not a directory", root)
	}
	prefix = clean(prefix)
	var h http.Handler = http.FileServer(http.Dir(root))
	if prefix != "/" {
		h = http.StripPrefix(prefix, h)
	}
	return bridge.HTTPHandler(h), nil
}
