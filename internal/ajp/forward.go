package ajp

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// ForwardRequest is the decoded first package of a cycle.
type ForwardRequest struct {
	Method     string
	Protocol   string // "HTTP/1.1"
	RequestURI string // path only, the query travels as an attribute
	RemoteAddr string
	RemoteHost string
	ServerName string
	ServerPort int
	IsSSL      bool
	Header     http.Header

	QueryString string
	RemoteUser  string
	AuthType    string
	Route       string
	Secret      string
	SSLKeySize  int

	// Attributes holds context, servlet_path and the ssl_* strings under
	// their attribute names, plus every req_attribute name/value pair.
	Attributes map[string]string

	// ContentLength is the declared body length, -1 when the request
	// carries no Content-Length header.
	ContentLength int64
}

// HasBody reports whether a body follows the forward request.
func (r *ForwardRequest) HasBody() bool { return r.ContentLength > 0 }

// Scheme returns "https" for requests that arrived over TLS.
func (r *ForwardRequest) Scheme() string {
	if r.IsSSL {
		return "https"
	}
	return "http"
}

// Host returns the Host header, or the server name and port when the
// header is missing.
func (r *ForwardRequest) Host() string {
	if h := r.Header.Get("Host"); h != "" {
		return h
	}
	if r.ServerName == "" || r.ServerPort == 0 {
		return r.ServerName
	}
	if (r.IsSSL && r.ServerPort == 443) || (!r.IsSSL && r.ServerPort == 80) {
		return r.ServerName
	}
	return net.JoinHostPort(r.ServerName, strconv.Itoa(r.ServerPort))
}

// URL assembles the absolute request URL.
func (r *ForwardRequest) URL() *url.URL {
	uri := r.RequestURI
	if uri == "" {
		uri = "/"
	}
	u := &url.URL{Scheme: r.Scheme(), Host: r.Host(), RawQuery: r.QueryString}
	if p, err := url.PathUnescape(uri); err == nil {
		u.Path = p
		if p != uri {
			u.RawPath = uri
		}
	} else {
		u.Path = uri
	}
	return u
}

// ContentType returns the Content-Type header without parameters.
func (r *ForwardRequest) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsForm reports whether the body is URL-encoded form data.
func (r *ForwardRequest) IsForm() bool {
	return r.ContentType() == "application/x-www-form-urlencoded"
}

// ── Decoding ─────────────────────────────────────────────────────────

// DecodeForwardRequest decodes a whole forward-request payload, type
// byte included.
func DecodeForwardRequest(payload []byte) (*ForwardRequest, error) {
	d := &decoder{b: payload}
	t, err := d.u8()
	if err != nil {
		return nil, errors.Wrap(ajperr.ErrTypeNotANumber, "empty payload")
	}
	if Kind(t) != KindForwardRequest {
		return nil, errors.Wrapf(ajperr.ErrUnknownPackageType, "type %d is not a forward request", t)
	}

	r := &ForwardRequest{
		Header:        make(http.Header),
		Attributes:    make(map[string]string),
		ContentLength: -1,
	}

	code, err := d.u8()
	if err != nil {
		return nil, errors.Wrap(err, "method")
	}
	if code != MethodStored {
		if r.Method = MethodName(code); r.Method == "" {
			return nil, errors.Wrapf(ajperr.ErrUnknownPackageType, "method code %#02x", code)
		}
	}

	fields := []*string{&r.Protocol, &r.RequestURI, &r.RemoteAddr, &r.RemoteHost, &r.ServerName}
	names := []string{"protocol", "req_uri", "remote_addr", "remote_host", "server_name"}
	for i, f := range fields {
		if *f, _, err = d.str(); err != nil {
			return nil, errors.Wrap(err, names[i])
		}
	}

	port, err := d.u16()
	if err != nil {
		return nil, errors.Wrap(err, "server_port")
	}
	r.ServerPort = int(port)

	if r.IsSSL, err = d.flag(); err != nil {
		return nil, errors.Wrap(err, "is_ssl")
	}

	if err := r.decodeHeaders(d); err != nil {
		return nil, err
	}
	if err := r.decodeAttributes(d); err != nil {
		return nil, err
	}

	if code == MethodStored && r.Method == "" {
		return nil, errors.Wrap(ajperr.ErrMissingPayload, "stored method without stored_method attribute")
	}
	return r, nil
}

func (r *ForwardRequest) decodeHeaders(d *decoder) error {
	n, err := d.u16()
	if err != nil {
		return errors.Wrap(err, "num_headers")
	}
	for i := 0; i < int(n); i++ {
		name, err := d.header(requestHeaders)
		if err != nil {
			return errors.Wrapf(err, "header %d name", i)
		}
		value, _, err := d.str()
		if err != nil {
			return errors.Wrapf(err, "header %q value", name)
		}
		key := textproto.CanonicalMIMEHeaderKey(name)
		r.Header[key] = append(r.Header[key], value)

		if key == "Content-Length" {
			cl, perr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if perr != nil || cl < 0 {
				return errors.Wrapf(ajperr.ErrLengthNotANumber, "content-length %q", value)
			}
			r.ContentLength = cl
		}
	}
	return nil
}

func (r *ForwardRequest) decodeAttributes(d *decoder) error {
	for {
		code, err := d.u8()
		if err != nil {
			return errors.Wrap(err, "attribute terminator")
		}
		switch code {
		case AttrDone:
			return nil

		case AttrReqAttribute:
			name, _, err := d.str()
			if err != nil {
				return errors.Wrap(err, "req_attribute name")
			}
			value, _, err := d.str()
			if err != nil {
				return errors.Wrapf(err, "req_attribute %q", name)
			}
			r.Attributes[name] = value

		case AttrSSLKeySize:
			n, err := d.u16()
			if err != nil {
				return errors.Wrap(err, "ssl_key_size")
			}
			r.SSLKeySize = int(n)

		case AttrQueryString, AttrRemoteUser, AttrAuthType, AttrRoute, AttrSecret, AttrStoredMethod,
			AttrContext, AttrServletPath, AttrSSLCert, AttrSSLCipher, AttrSSLSession:
			v, _, err := d.str()
			if err != nil {
				return errors.Wrap(err, AttrName(code))
			}
			r.setAttr(code, v)

		default:
			return errors.Wrapf(ajperr.ErrUnknownPackageType, "attribute code %#02x", code)
		}
	}
}

func (r *ForwardRequest) setAttr(code byte, v string) {
	switch code {
	case AttrQueryString:
		r.QueryString = v
	case AttrRemoteUser:
		r.RemoteUser = v
	case AttrAuthType:
		r.AuthType = v
	case AttrRoute:
		r.Route = v
	case AttrSecret:
		r.Secret = v
	case AttrStoredMethod:
		r.Method = v
	default:
		r.Attributes[AttrName(code)] = v
	}
}

// ── Encoding (web server side) ───────────────────────────────────────

// namedAttrs are the Attributes keys that have their own code.
var namedAttrs = map[string]byte{
	"context":      AttrContext,
	"servlet_path": AttrServletPath,
	"ssl_cert":     AttrSSLCert,
	"ssl_cipher":   AttrSSLCipher,
	"ssl_session":  AttrSSLSession,
}

// AppendForwardRequest appends r as a complete packet with the web
// server magic.  Headers and attributes are written in sorted order.
// A ContentLength ≥ 0 is sent as a Content-Length header unless the
// header is already present.
func AppendForwardRequest(b []byte, r *ForwardRequest) ([]byte, error) {
	b, start := beginPacket(b, ServerMagic)
	b = append(b, byte(KindForwardRequest))

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	code := MethodCode(method)
	b = append(b, code)

	proto := r.Protocol
	if proto == "" {
		proto = "HTTP/1.1"
	}
	uri := r.RequestURI
	if uri == "" {
		uri = "/"
	}
	for _, s := range []string{proto, uri, r.RemoteAddr, r.RemoteHost, r.ServerName} {
		b = appendString(b, s)
	}
	b = appendUint16(b, uint16(r.ServerPort))
	b = appendBool(b, r.IsSSL)

	keys := make([]string, 0, len(r.Header))
	count := 0
	for k, vs := range r.Header {
		keys = append(keys, k)
		count += len(vs)
	}
	sort.Strings(keys)
	addCL := r.ContentLength >= 0 && r.Header.Get("Content-Length") == ""
	if addCL {
		count++
	}
	if count > 0xFFFF {
		return b, errors.Errorf("ajp: %d headers exceed the header count field", count)
	}
	b = appendUint16(b, uint16(count))
	for _, k := range keys {
		for _, v := range r.Header[k] {
			b = appendHeaderName(b, k, requestHeaderCodes)
			b = appendString(b, v)
		}
	}
	if addCL {
		b = appendHeaderName(b, "Content-Length", requestHeaderCodes)
		b = appendString(b, strconv.FormatInt(r.ContentLength, 10))
	}

	for _, a := range []struct {
		code byte
		v    string
	}{
		{AttrQueryString, r.QueryString},
		{AttrRemoteUser, r.RemoteUser},
		{AttrAuthType, r.AuthType},
		{AttrRoute, r.Route},
		{AttrSecret, r.Secret},
	} {
		if a.v != "" {
			b = append(b, a.code)
			b = appendString(b, a.v)
		}
	}
	if r.SSLKeySize > 0 {
		b = append(b, AttrSSLKeySize)
		b = appendUint16(b, uint16(r.SSLKeySize))
	}
	if code == MethodStored {
		b = append(b, AttrStoredMethod)
		b = appendString(b, method)
	}

	names := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if c, ok := namedAttrs[k]; ok {
			b = append(b, c)
		} else {
			b = append(b, AttrReqAttribute)
			b = appendString(b, k)
		}
		b = appendString(b, r.Attributes[k])
	}
	b = append(b, AttrDone)

	return endPacket(b, start)
}
