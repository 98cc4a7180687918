package handler

import (
	"net/http"
	"net/http/cgi"
	"os"
	"runtime"

	"github.com/pkg/errors"

	"ajpd/internal/bridge"
	"ajpd/util"
)

// Exec runs a CGI program for every request under its prefix, with the
// request body on the program's stdin and its output parsed as a CGI
// response.  Either Program (-e) or Command (-c) must be set.
type Exec struct {
	Program string // -e: execute a program directly
	Command string // -c: execute via the system shell
	Prefix  string
	Logger  *util.Logger
}

// Handler builds the bridge.Handler for e.
func (e *Exec) Handler() (bridge.Handler, error) {
	h := &cgi.Handler{Root: clean(e.Prefix)}
	if h.Root == "/" {
		h.Root = ""
	}

	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			h.Path = "cmd.exe"
			h.Args = []string{"/C", e.Command}
		} else {
			h.Path = "/bin/sh"
			h.Args = []string{"-c", e.Command}
		}
	case e.Program != "":
		if _, err := os.Stat(e.Program); err != nil {
			return nil, errors.Wrap(err, "exec program")
		}
		h.Path = e.Program
	default:
		return nil, errors.New("no command specified for exec handler")
	}

	log := e.Logger
	if log == nil {
		log = util.Discard()
	}
	h.Logger = log.StdLogger()
	log.Debug("exec: %s %v under %s", h.Path, h.Args, e.Prefix)

	return bridge.HTTPHandler(http.Handler(h)), nil
}
