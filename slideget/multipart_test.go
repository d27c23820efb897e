package slideget

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
)

type streamPart struct {
	filename string
	body     []byte
}

// buildStream assembles a conforming multipart wire stream.
func buildStream(boundary string, parts []streamPart) []byte {
	var buf bytes.Buffer
	buf.WriteString("--" + boundary)
	for _, p := range parts {
		fmt.Fprintf(&buf, "\r\nContent-Type: application/octet-stream\r\nContent-Disposition: form-data; filename=%q\r\n\r\n", p.filename)
		buf.Write(p.body)
		buf.WriteString("\r\n--" + boundary)
	}
	buf.WriteString("--\r\n")
	return buf.Bytes()
}

// chunked splits data into fixed-size chunks.
func chunked(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func collectParts(t *testing.T, dec *MultipartDecoder) []streamPart {
	t.Helper()
	var parts []streamPart
	for {
		part, err := dec.NextPart()
		if err == io.EOF {
			return parts
		}
		if err != nil {
			t.Fatalf("NextPart() failed: %v", err)
		}
		body, err := part.Bytes()
		if err != nil {
			t.Fatalf("Bytes() failed for part %q: %v", part.Filename, err)
		}
		parts = append(parts, streamPart{filename: part.Filename, body: body})
	}
}

func assertParts(t *testing.T, got, want []streamPart) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d parts, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].filename != want[i].filename {
			t.Errorf("part %d filename = %q, want %q", i, got[i].filename, want[i].filename)
		}
		if !bytes.Equal(got[i].body, want[i].body) {
			t.Errorf("part %d body = %q, want %q", i, got[i].body, want[i].body)
		}
	}
}

func TestMultipartDecoder_TwoParts(t *testing.T) {
	want := []streamPart{
		{"a.bin", []byte("hello")},
		{"b.bin", []byte("world")},
	}
	stream := buildStream("X", want)

	dec := NewMultipartDecoder(BytesChunkSource(stream), "X")
	assertParts(t, collectParts(t, dec), want)
}

// The decoder must produce identical parts no matter how the stream is cut
// into chunks, including cuts in the middle of the boundary token.
func TestMultipartDecoder_ArbitraryChunking(t *testing.T) {
	want := []streamPart{
		{"a.bin", []byte("hello")},
		{"b.bin", []byte("world")},
	}
	stream := buildStream("X", want)

	t.Run("every chunk size", func(t *testing.T) {
		for size := 1; size <= len(stream); size++ {
			dec := NewMultipartDecoder(BytesChunkSource(chunked(stream, size)...), "X")
			assertParts(t, collectParts(t, dec), want)
		}
	})

	t.Run("every two-chunk split", func(t *testing.T) {
		for i := 1; i < len(stream); i++ {
			dec := NewMultipartDecoder(BytesChunkSource(stream[:i], stream[i:]), "X")
			assertParts(t, collectParts(t, dec), want)
		}
	})
}

func TestMultipartDecoder_LongBoundary(t *testing.T) {
	boundary := "7MA4YWxkTrZu0gW"
	want := []streamPart{
		{"tile_0.jpg", bytes.Repeat([]byte{0xff, 0xd8, 0x00}, 100)},
		{"tile_1.jpg", []byte("a\r\n--7MA4YWb almost a boundary")},
	}
	stream := buildStream(boundary, want)

	for _, size := range []int{1, 3, 7, len(boundary), 64, 1 << 16} {
		dec := NewMultipartDecoder(BytesChunkSource(chunked(stream, size)...), boundary)
		assertParts(t, collectParts(t, dec), want)
	}
}

func TestMultipartDecoder_EmptyBody(t *testing.T) {
	want := []streamPart{
		{"empty.bin", nil},
		{"b.bin", []byte("data")},
	}
	stream := buildStream("X", want)

	dec := NewMultipartDecoder(BytesChunkSource(stream), "X")
	got := collectParts(t, dec)
	if len(got) != 2 || len(got[0].body) != 0 || !bytes.Equal(got[1].body, []byte("data")) {
		t.Errorf("got %v, want empty body then %q", got, "data")
	}
}

func TestMultipartDecoder_SkipUnreadBody(t *testing.T) {
	stream := buildStream("X", []streamPart{
		{"a.bin", []byte("hello")},
		{"b.bin", []byte("world")},
	})

	dec := NewMultipartDecoder(BytesChunkSource(chunked(stream, 4)...), "X")
	first, err := dec.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	if first.Filename != "a.bin" {
		t.Fatalf("first part = %q, want a.bin", first.Filename)
	}

	// advance without draining: the decoder discards the body itself
	second, err := dec.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	body, err := second.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if second.Filename != "b.bin" || !bytes.Equal(body, []byte("world")) {
		t.Errorf("second part = %q %q, want b.bin world", second.Filename, body)
	}
	if _, err := dec.NextPart(); err != io.EOF {
		t.Errorf("NextPart() after last part = %v, want io.EOF", err)
	}
}

func TestMultipartDecoder_MissingStartBoundary(t *testing.T) {
	dec := NewMultipartDecoder(BytesChunkSource([]byte("this is not a boundary")), "X")
	if _, err := dec.NextPart(); !errors.Is(err, sgerrors.ErrProtocolViolation) {
		t.Errorf("NextPart() error = %v, want PROTOCOL_VIOLATION", err)
	}
}

func TestMultipartDecoder_EndBoundaryMidStream(t *testing.T) {
	base := buildStream("X", []streamPart{{"a.bin", []byte("hello")}})

	t.Run("trailing bytes in buffer", func(t *testing.T) {
		stream := append(append([]byte{}, base...), []byte("junk")...)
		dec := NewMultipartDecoder(BytesChunkSource(stream), "X")
		if _, err := dec.NextPart(); err != nil {
			t.Fatal(err)
		}
		if _, err := dec.NextPart(); !errors.Is(err, sgerrors.ErrProtocolViolation) {
			t.Errorf("NextPart() error = %v, want PROTOCOL_VIOLATION", err)
		}
	})

	t.Run("trailing chunk in source", func(t *testing.T) {
		dec := NewMultipartDecoder(BytesChunkSource(base, []byte("junk")), "X")
		if _, err := dec.NextPart(); err != nil {
			t.Fatal(err)
		}
		if _, err := dec.NextPart(); !errors.Is(err, sgerrors.ErrProtocolViolation) {
			t.Errorf("NextPart() error = %v, want PROTOCOL_VIOLATION", err)
		}
	})
}

func TestMultipartDecoder_TruncatedStream(t *testing.T) {
	full := buildStream("X", []streamPart{{"a.bin", []byte("hello")}})

	tests := []struct {
		name string
		cut  int
	}{
		{"mid header", 10},
		{"mid body", bytes.Index(full, []byte("hello")) + 2},
		{"before end marker", len(full) - 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewMultipartDecoder(BytesChunkSource(full[:tt.cut]), "X")
			var err error
			var part *Part
			for {
				part, err = dec.NextPart()
				if err != nil {
					break
				}
				if _, err = part.Bytes(); err != nil {
					break
				}
			}
			if !errors.Is(err, sgerrors.ErrUnexpectedEOF) {
				t.Errorf("error = %v, want UNEXPECTED_END_OF_STREAM", err)
			}
		})
	}
}

func TestMultipartDecoder_FilenameMissing(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("--X\r\nContent-Type: application/octet-stream\r\n\r\nanonymous")
	buf.WriteString("\r\n--X\r\nContent-Disposition: form-data; filename=\"b.bin\"\r\n\r\nworld\r\n--X--\r\n")

	dec := NewMultipartDecoder(BytesChunkSource(chunked(buf.Bytes(), 5)...), "X")
	_, err := dec.NextPart()
	if !errors.Is(err, sgerrors.ErrFilenameMissing) {
		t.Fatalf("NextPart() error = %v, want FILENAME_MISSING", err)
	}

	// framing survives: the next part is still parseable
	part, err := dec.NextPart()
	if err != nil {
		t.Fatalf("NextPart() after missing filename failed: %v", err)
	}
	body, err := part.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if part.Filename != "b.bin" || !bytes.Equal(body, []byte("world")) {
		t.Errorf("part = %q %q, want b.bin world", part.Filename, body)
	}
}

func TestMultipartDecoder_FilenameParsing(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"quoted", "Content-Disposition: form-data; filename=\"a.bin\"", "a.bin"},
		{"unquoted", "Content-Disposition: form-data; filename=a.bin", "a.bin"},
		{"case insensitive", "CONTENT-DISPOSITION: attachment; FILENAME=\"a.bin\"", "a.bin"},
		{"with name param", "Content-Disposition: form-data; name=\"f\"; filename=\"tile_3_2.jpg\"", "tile_3_2.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := []byte("--X\r\n" + tt.header + "\r\n\r\nbody\r\n--X--\r\n")
			dec := NewMultipartDecoder(BytesChunkSource(stream), "X")
			part, err := dec.NextPart()
			if err != nil {
				t.Fatalf("NextPart() failed: %v", err)
			}
			if part.Filename != tt.want {
				t.Errorf("Filename = %q, want %q", part.Filename, tt.want)
			}
			if _, err := part.Bytes(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestMultipartDecoder_StreamingBody(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 100)
	stream := buildStream("BOUND", []streamPart{{"big.bin", body}})

	dec := NewMultipartDecoder(BytesChunkSource(chunked(stream, 32)...), "BOUND")
	part, err := dec.NextPart()
	if err != nil {
		t.Fatal(err)
	}

	// the body arrives as multiple non-empty fragments
	var got []byte
	fragments := 0
	for {
		frag, err := part.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if len(frag) == 0 {
			t.Fatal("empty fragment")
		}
		fragments++
		got = append(got, frag...)
	}
	if fragments < 2 {
		t.Errorf("body arrived in %d fragments, expected streaming delivery", fragments)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("reassembled body differs: %d bytes vs %d", len(got), len(body))
	}

	// a drained part stays drained
	if _, err := part.Next(); err != io.EOF {
		t.Errorf("Next() after drain = %v, want io.EOF", err)
	}
}

func TestParseContentTypeBoundary(t *testing.T) {
	tests := []struct {
		name          string
		contentType   string
		wantBoundary  string
		wantMultipart bool
		wantErr       bool
	}{
		{"multipart related", `multipart/related; boundary="7MA4YWxkTrZu0gW"`, "7MA4YWxkTrZu0gW", true, false},
		{"multipart unquoted", "multipart/form-data; boundary=abc123", "abc123", true, false},
		{"single image", "image/jpeg", "", false, false},
		{"multipart without boundary", "multipart/related", "", false, true},
		{"garbage", ";;;", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			boundary, multipart, err := ParseContentTypeBoundary(tt.contentType)
			if tt.wantErr {
				if !errors.Is(err, sgerrors.ErrProtocolViolation) {
					t.Errorf("error = %v, want PROTOCOL_VIOLATION", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if boundary != tt.wantBoundary || multipart != tt.wantMultipart {
				t.Errorf("got (%q, %v), want (%q, %v)", boundary, multipart, tt.wantBoundary, tt.wantMultipart)
			}
		})
	}
}
