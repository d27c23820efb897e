package slideget

import (
	"bytes"
	"io"
	"mime"
	"strings"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
)

var (
	headerDelimiter = []byte("\r\n\r\n")
	endDelimiter    = []byte("--\r\n")
)

// MultipartDecoder incrementally splits a multipart/related byte stream into
// named parts without buffering the whole stream. It owns a single forward
// cursor over its chunk source and is not safe for concurrent use: drain (or
// abandon) a part before asking for the next one.
type MultipartDecoder struct {
	src           ChunkSource
	startBoundary []byte // "--" + boundary, as at the start of the stream
	boundary      []byte // "\r\n" + start boundary, as between parts
	buf           []byte // bytes read from src but not yet yielded
	started       bool
	terminated    bool
	cur           *Part
}

// NewMultipartDecoder wraps src with a decoder for the given boundary token.
// The boundary is the bare token from the Content-Type header, without the
// leading dashes.
func NewMultipartDecoder(src ChunkSource, boundary string) *MultipartDecoder {
	start := append([]byte("--"), boundary...)
	return &MultipartDecoder{
		src:           src,
		startBoundary: start,
		boundary:      append([]byte("\r\n"), start...),
	}
}

// Part is one named payload within a multipart stream. The body is produced
// incrementally through Next; it reads from the decoder's shared cursor, so
// it must be consumed before the decoder advances to the next part.
type Part struct {
	Filename string

	dec  *MultipartDecoder
	done bool
}

// NextPart advances to the next part of the stream. It returns io.EOF once
// the terminating boundary has been consumed. Any unread body of the
// previous part is discarded first. On ErrFilenameMissing the stream framing
// is still intact: the offending part's body is skipped on the following
// call and decoding can continue.
func (d *MultipartDecoder) NextPart() (*Part, error) {
	if d.terminated {
		return nil, io.EOF
	}
	if d.cur != nil {
		if err := d.cur.discard(); err != nil {
			return nil, err
		}
		d.cur = nil
	}
	if !d.started {
		if err := d.readFirstBoundary(); err != nil {
			return nil, err
		}
		d.started = true
	}

	end, err := d.checkEndOfStream()
	if err != nil {
		return nil, err
	}
	if end {
		d.terminated = true
		return nil, io.EOF
	}

	header, err := d.readHeader()
	if err != nil {
		return nil, err
	}
	filename, ok := parseFilenameFromHeader(header)
	part := &Part{Filename: filename, dec: d}
	d.cur = part
	if !ok {
		return nil, sgerrors.ErrFilenameMissing
	}
	return part, nil
}

// Next returns the next fragment of the part body, and io.EOF once the
// closing boundary has been reached. Fragments are never empty.
func (p *Part) Next() ([]byte, error) {
	for !p.done {
		frag, done, err := p.dec.readBodyFragment()
		if err != nil {
			return nil, err
		}
		p.done = done
		if len(frag) > 0 {
			return frag, nil
		}
	}
	return nil, io.EOF
}

// Bytes drains the remaining body into a single slice.
func (p *Part) Bytes() ([]byte, error) {
	var body []byte
	for {
		frag, err := p.Next()
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return nil, err
		}
		body = append(body, frag...)
	}
}

// discard consumes and drops the rest of the body.
func (p *Part) discard() error {
	for {
		_, err := p.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readFirstBoundary consumes the leading start boundary, which unlike every
// later occurrence is not preceded by CRLF.
func (d *MultipartDecoder) readFirstBoundary() error {
	for {
		n := min(len(d.buf), len(d.startBoundary))
		if !bytes.Equal(d.buf[:n], d.startBoundary[:n]) {
			return sgerrors.ErrProtocolViolation.WithMessage("stream does not begin with expected boundary")
		}
		if n == len(d.startBoundary) {
			d.buf = d.buf[n:]
			return nil
		}
		chunk, err := d.nextChunk()
		if err != nil {
			return err
		}
		d.buf = append(d.buf, chunk...)
	}
}

// checkEndOfStream reports whether the bytes following a just-consumed
// boundary are the end marker. The end marker must be the true end of the
// stream: trailing bytes in the buffer or further chunks in the source are a
// protocol violation.
func (d *MultipartDecoder) checkEndOfStream() (bool, error) {
	for len(d.buf) < len(endDelimiter) && bytes.HasPrefix(endDelimiter, d.buf) {
		chunk, err := d.nextChunk()
		if err != nil {
			return false, err
		}
		d.buf = append(d.buf, chunk...)
	}
	if !bytes.HasPrefix(d.buf, endDelimiter) {
		return false, nil
	}
	if len(d.buf) != len(endDelimiter) {
		return false, sgerrors.ErrProtocolViolation.WithMessage("end boundary found mid-stream")
	}
	if _, err := d.src.Next(); err != io.EOF {
		if err != nil {
			return false, err
		}
		return false, sgerrors.ErrProtocolViolation.WithMessage("end boundary found mid-stream")
	}
	d.buf = nil
	return true, nil
}

// readHeader consumes up to and including the header/body separator and
// returns the header text preceding it.
func (d *MultipartDecoder) readHeader() (string, error) {
	idx := bytes.Index(d.buf, headerDelimiter)
	for idx == -1 {
		chunk, err := d.nextChunk()
		if err != nil {
			return "", err
		}
		// the separator may straddle the read, so rescan from just before
		// the old tail
		searchFrom := max(len(d.buf)-len(headerDelimiter)+1, 0)
		d.buf = append(d.buf, chunk...)
		if i := bytes.Index(d.buf[searchFrom:], headerDelimiter); i >= 0 {
			idx = searchFrom + i
		}
	}
	header := string(d.buf[:idx])
	d.buf = d.buf[idx+len(headerDelimiter):]
	return header, nil
}

// parseFilenameFromHeader extracts the filename parameter from a
// Content-Disposition style header line. Keys match case-insensitively and
// one layer of double quotes is stripped from the value.
func parseFilenameFromHeader(header string) (string, bool) {
	for _, line := range strings.Split(header, "\r\n") {
		if !strings.HasPrefix(strings.ToLower(line), "content-disposition") {
			continue
		}
		params := strings.Split(line, ";")
		for _, param := range params[1:] {
			key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if strings.EqualFold(key, "filename") {
				value = strings.TrimPrefix(value, `"`)
				value = strings.TrimSuffix(value, `"`)
				return value, true
			}
		}
	}
	return "", false
}

// readBodyFragment returns the next stretch of body bytes, reporting whether
// the closing boundary was consumed. The boundary may straddle any number of
// chunk reads, so when no match is found the decoder holds back the last
// boundaryLength-1 buffered bytes and only yields the prefix known to be
// boundary-free; rescans start just before the previous tail, keeping the
// scan linear in stream length.
func (d *MultipartDecoder) readBodyFragment() ([]byte, bool, error) {
	if idx := bytes.Index(d.buf, d.boundary); idx >= 0 {
		frag := d.buf[:idx]
		d.buf = d.buf[idx+len(d.boundary):]
		return frag, true, nil
	}

	chunk, err := d.nextChunk()
	if err != nil {
		return nil, false, err
	}
	searchFrom := max(len(d.buf)-len(d.boundary)+1, 0)
	d.buf = append(d.buf, chunk...)
	if idx := bytes.Index(d.buf[searchFrom:], d.boundary); idx >= 0 {
		idx += searchFrom
		frag := d.buf[:idx]
		d.buf = d.buf[idx+len(d.boundary):]
		return frag, true, nil
	}

	keep := min(len(d.buf), len(d.boundary)-1)
	frag := d.buf[:len(d.buf)-keep]
	d.buf = d.buf[len(d.buf)-keep:]
	return frag, false, nil
}

// nextChunk pulls one chunk, mapping source exhaustion to
// ErrUnexpectedEOF: this is only called while a construct is incomplete.
func (d *MultipartDecoder) nextChunk() ([]byte, error) {
	chunk, err := d.src.Next()
	if err == io.EOF {
		return nil, sgerrors.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// ParseContentTypeBoundary inspects a Content-Type header value and, when it
// denotes a multipart payload, returns the boundary token the decoder needs.
func ParseContentTypeBoundary(contentType string) (boundary string, multipart bool, err error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false, sgerrors.ErrProtocolViolation.WithMessage("unparseable content type").WithCause(err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", false, nil
	}
	boundary, ok := params["boundary"]
	if !ok {
		return "", false, sgerrors.ErrProtocolViolation.WithMessage("multipart content type without boundary")
	}
	return boundary, true, nil
}
