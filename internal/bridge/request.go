package bridge

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
)

// maxFormSize bounds the body parsed by Form.
const maxFormSize = 10 << 20

// Request is the handler's view of one forward request.
type Request struct {
	*ajp.ForwardRequest

	// Body reads the request body once, in order.  A read beyond the
	// bytes received so far suspends until the connection delivers
	// more.
	Body io.Reader

	ctx context.Context

	formOnce sync.Once
	form     url.Values
	formErr  error
}

// NewRequest assembles a Request.
func NewRequest(ctx context.Context, fr *ajp.ForwardRequest, body io.Reader) *Request {
	if body == nil {
		body = http.NoBody
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{ForwardRequest: fr, Body: body, ctx: ctx}
}

// Context is cancelled when the connection closes.
func (r *Request) Context() context.Context { return r.ctx }

// Path returns the request path.
func (r *Request) Path() string { return r.RequestURI }

// Attribute returns a request attribute by name.
func (r *Request) Attribute(name string) (string, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// Form returns the query parameters merged with URL-encoded body
// parameters; body values come first.  The body is consumed only for
// form-encoded requests.
func (r *Request) Form() (url.Values, error) {
	r.formOnce.Do(func() {
		q, err := url.ParseQuery(r.QueryString)
		if err != nil {
			r.formErr = errors.Wrap(err, "query string")
		}
		form := url.Values{}
		if r.IsForm() {
			data, err := io.ReadAll(io.LimitReader(r.Body, maxFormSize+1))
			if err != nil {
				r.formErr = errors.Wrap(err, "reading form body")
			} else if len(data) > maxFormSize {
				r.formErr = errors.New("form body too large")
			} else if body, err := url.ParseQuery(string(data)); err != nil {
				r.formErr = errors.Wrap(err, "form body")
			} else {
				form = body
			}
		}
		for k, vs := range q {
			form[k] = append(form[k], vs...)
		}
		r.form = form
	})
	return r.form, r.formErr
}

// HTTPRequest returns an equivalent net/http server request.  Its body
// is the same read-once stream.
func (r *Request) HTTPRequest() *http.Request {
	u := r.URL()
	proto := r.Protocol
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		proto, major, minor = "HTTP/1.1", 1, 1
	}
	remote := r.RemoteAddr
	if remote != "" && net.ParseIP(remote) != nil {
		remote = net.JoinHostPort(remote, "0")
	}
	cl := r.ContentLength
	body := io.NopCloser(r.Body)
	if cl == 0 {
		body = http.NoBody
	}

	// The connector-derived headers only ever come from attributes;
	// copies sent by the client are dropped.
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("X-Remote-User")
	header.Del("X-Ssl-Key-Size")
	if r.RemoteUser != "" {
		header.Set("X-Remote-User", r.RemoteUser)
	}
	if r.SSLKeySize > 0 {
		header.Set("X-Ssl-Key-Size", strconv.Itoa(r.SSLKeySize))
	}

	req := &http.Request{
		Method:        r.Method,
		URL:           u,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Body:          body,
		ContentLength: cl,
		Host:          u.Host,
		RemoteAddr:    remote,
		RequestURI:    u.RequestURI(),
	}
	return req.WithContext(r.ctx)
}
