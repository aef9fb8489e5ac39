package web

import (
	"encoding/json"
	"net/http"
)

// Context carries one request through the gate to its handler.
type Context struct {
	Writer  http.ResponseWriter
	Request *http.Request

	params    map[string]string
	body      []byte
	hasBody   bool
	uploadErr error
	uploaded  int64
}

// Param returns the segment captured by a ":name" token, or false when the
// pattern had no such token or the segment was empty.
func (c *Context) Param(name string) (string, bool) {
	v, ok := c.params[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Body returns the complete request body for OnBody routes. It yields the
// buffer once; later calls report false.
func (c *Context) Body() ([]byte, bool) {
	if !c.hasBody {
		return nil, false
	}
	b := c.body
	c.body, c.hasBody = nil, false
	return b, true
}

// UploadErr is the first error raised while streaming an upload.
func (c *Context) UploadErr() error { return c.uploadErr }

// Uploaded is the number of upload bytes delivered to the UploadFunc.
func (c *Context) Uploaded() int64 { return c.uploaded }

// Text writes a plain-text response.
func (c *Context) Text(status int, msg string) {
	c.Raw(status, "text/plain", []byte(msg))
}

// Raw writes body with the given content type.
func (c *Context) Raw(status int, contentType string, body []byte) {
	if contentType != "" {
		c.Writer.Header().Set("Content-Type", contentType)
	}
	c.Writer.WriteHeader(status)
	_, _ = c.Writer.Write(body)
}

// JSON encodes v as the response body.
func (c *Context) JSON(status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.Text(http.StatusInternalServerError, err.Error())
		return
	}
	c.Raw(status, "application/json", b)
}

// Status writes an empty response.
func (c *Context) Status(status int) {
	c.Writer.WriteHeader(status)
}
