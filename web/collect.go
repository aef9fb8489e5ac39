package web

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// uploadChunkSize is the largest slice handed to an UploadFunc at once.
const uploadChunkSize = 4096

func (r *Router) collectBody(c *Context) bool {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, r.maxBody+1))
	if err != nil {
		c.Text(http.StatusBadRequest, "Could not read request body")
		return false
	}
	if int64(len(body)) > r.maxBody {
		c.Text(http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	c.body, c.hasBody = body, true
	return true
}

// collectUpload streams either the first file part of a multipart form or
// the raw body into fn. Failures are recorded on c for the completion
// handler.
func (r *Router) collectUpload(c *Context, fn UploadFunc) {
	src, filename, err := uploadSource(c.Request)
	if err != nil {
		c.uploadErr = err
		return
	}

	buf := make([]byte, uploadChunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(src, buf)
		final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !final {
			c.uploadErr = fmt.Errorf("read upload: %w", readErr)
			return
		}
		if err := r.deliver(c, fn, filename, offset, buf[:n], final); err != nil {
			c.uploadErr = err
			return
		}
		offset += int64(n)
		c.uploaded = offset
		if final {
			return
		}
	}
}

func (r *Router) deliver(c *Context, fn UploadFunc, filename string, offset int64, chunk []byte, final bool) error {
	var err error
	call := func() { err = fn(c, filename, offset, chunk, final) }
	if r.exec == nil {
		call()
		return err
	}
	if execErr := r.exec(c.Request.Context(), call); execErr != nil {
		return execErr
	}
	return err
}

func uploadSource(req *http.Request) (io.Reader, string, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return req.Body, req.URL.Query().Get("filename"), nil
	}

	mr, err := req.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("read multipart: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", errors.New("multipart body has no file part")
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart: %w", err)
		}
		if part.FileName() != "" {
			return part, part.FileName(), nil
		}
	}
}
