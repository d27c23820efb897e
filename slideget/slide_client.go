package slideget

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
	"github.com/sectra-medical/dpat-slideget/slideget/logger"
)

// DefaultAPIVersion is the X-Sectra-ApiVersion sent when none is configured.
const DefaultAPIVersion = "1.5"

// Size is a width/height pair as used in IA-API JSON bodies.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SlideInfo is the slide metadata subset needed to address the tile pyramid.
type SlideInfo struct {
	ID              string  `json:"id"`
	ImageSize       Size    `json:"imageSize"`
	TileSize        Size    `json:"tileSize"`
	MicronsPerPixel float64 `json:"micronsPerPixel"`
	Magnification   float64 `json:"magnification,omitempty"`
}

// DziDescription builds the pyramid descriptor for this slide, attaching
// whatever calibration the server reported.
func (si *SlideInfo) DziDescription() (DziDescription, error) {
	desc, err := NewDziDescription(si.ImageSize.Width, si.ImageSize.Height, si.TileSize.Width)
	if err != nil {
		return DziDescription{}, err
	}
	if si.MicronsPerPixel > 0 {
		desc = desc.WithResolution(si.MicronsPerPixel)
	}
	if si.Magnification > 0 {
		desc = desc.WithMagnification(si.Magnification)
	}
	return desc, nil
}

// TileFilename returns the part filename the IA-API uses for a tile payload
// in batch responses, "<level>_<col>_<row>_0.jpg" (focal plane 0).
func TileFilename(t DziTile) string {
	return fmt.Sprintf("%d_%d_%d_0.jpg", t.Level, t.Col, t.Row)
}

// SlideClient talks to the DPAT image analysis API for a single server and
// bearer token.
type SlideClient interface {
	// SlideInfo fetches the slide metadata needed to build a DziDescription.
	SlideInfo(ctx context.Context, slideID string) (*SlideInfo, error)

	// FetchTile retrieves one tile payload (undecoded image bytes).
	FetchTile(ctx context.Context, slideID string, tile DziTile) ([]byte, error)

	// FetchTiles retrieves several tiles in one request. The response is
	// either a single body or a multipart container; the result maps part
	// filenames (see TileFilename) to payloads.
	FetchTiles(ctx context.Context, slideID string, tiles []DziTile) (map[string][]byte, error)
}

// HTTPSlideClient is the http-backed SlideClient implementation.
type HTTPSlideClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	apiVersion string
}

// NewSlideClient creates a client for the IA-API rooted at baseURL,
// typically https://host/SectraPathologyServer/external/imageanalysis/v1.
func NewSlideClient(baseURL, token string) *HTTPSlideClient {
	return &HTTPSlideClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		apiVersion: DefaultAPIVersion,
	}
}

// WithAPIVersion returns a copy sending the given X-Sectra-ApiVersion.
func (c *HTTPSlideClient) WithAPIVersion(version string) *HTTPSlideClient {
	copied := *c
	copied.apiVersion = version
	return &copied
}

// WithHTTPClient returns a copy using the given http.Client, e.g. one with a
// transport-level timeout.
func (c *HTTPSlideClient) WithHTTPClient(httpClient *http.Client) *HTTPSlideClient {
	copied := *c
	copied.httpClient = httpClient
	return &copied
}

// WithInsecureTLS returns a copy that skips certificate verification, for
// servers that do not have a valid certificate yet.
func (c *HTTPSlideClient) WithInsecureTLS() *HTTPSlideClient {
	copied := *c
	copied.httpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return &copied
}

func (c *HTTPSlideClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Sectra-ApiVersion", c.apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debug("%s %s", method, url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, sgerrors.ErrAuthFailed.WithDetail("status", resp.StatusCode)
	}
	return resp, nil
}

func (c *HTTPSlideClient) SlideInfo(ctx context.Context, slideID string) (*SlideInfo, error) {
	path := fmt.Sprintf("slides/%s/info?scope=extended&includePHI=false", slideID)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if sgerrors.IsSlideError(err) {
			return nil, err
		}
		return nil, sgerrors.ErrSlideInfoFetch.WithDetail("slideId", slideID).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, sgerrors.ErrSlideInfoFetch.WithDetail("slideId", slideID).WithDetail("status", resp.StatusCode)
	}

	var info SlideInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, sgerrors.ErrSlideInfoFetch.WithDetail("slideId", slideID).WithCause(err)
	}
	if info.ID == "" {
		info.ID = slideID
	}
	return &info, nil
}

func (c *HTTPSlideClient) FetchTile(ctx context.Context, slideID string, tile DziTile) ([]byte, error) {
	path := fmt.Sprintf("images/%s_files/%d/%d_%d_0.jpg", slideID, tile.Level, tile.Col, tile.Row)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if sgerrors.IsSlideError(err) {
			return nil, err
		}
		return nil, sgerrors.ErrTileFetch.WithDetail("tile", tile.Path()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, sgerrors.ErrTileFetch.WithDetail("tile", tile.Path()).WithDetail("status", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sgerrors.ErrTileFetch.WithDetail("tile", tile.Path()).WithCause(err)
	}
	return payload, nil
}

// batchTileRequest is the JSON body of the batch tile endpoint.
type batchTileRequest struct {
	Tiles []string `json:"tiles"`
}

func (c *HTTPSlideClient) FetchTiles(ctx context.Context, slideID string, tiles []DziTile) (map[string][]byte, error) {
	if len(tiles) == 0 {
		return map[string][]byte{}, nil
	}

	reqBody := batchTileRequest{Tiles: make([]string, len(tiles))}
	for i, t := range tiles {
		reqBody.Tiles[i] = TileFilename(t)
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("images/%s/tiles", slideID)
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		if sgerrors.IsSlideError(err) {
			return nil, err
		}
		return nil, sgerrors.ErrTileFetch.WithDetail("slideId", slideID).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, sgerrors.ErrTileFetch.WithDetail("slideId", slideID).WithDetail("status", resp.StatusCode)
	}

	boundary, multipart, err := ParseContentTypeBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	if !multipart {
		// single body: the server collapsed the batch to one tile
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, sgerrors.ErrTileFetch.WithDetail("slideId", slideID).WithCause(err)
		}
		return map[string][]byte{TileFilename(tiles[0]): payload}, nil
	}

	result := make(map[string][]byte, len(tiles))
	dec := NewMultipartDecoder(NewReaderChunkSource(resp.Body, 0), boundary)
	for {
		part, err := dec.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		body, err := part.Bytes()
		if err != nil {
			return nil, err
		}
		result[part.Filename] = body
	}
	return result, nil
}
