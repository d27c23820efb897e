package slideget

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
	"github.com/sectra-medical/dpat-slideget/slideget/logger"
)

// ProgressCallback is called as tiles complete.
// done: tiles finished so far
// total: total number of tiles in the request
type ProgressCallback func(done int64, total int64)

// DefaultConcurrency is the number of parallel tile-row requests used when
// no explicit limit is given.
const DefaultConcurrency = 4

// RegionFetcher reconstructs pixel regions of a slide by fetching the
// covering tiles and compositing them into a canvas.
type RegionFetcher interface {
	// FetchRegion reassembles the rectangle with top-left (x, y) and the
	// given size within the level, in absolute level pixels.
	FetchRegion(ctx context.Context, slideID string, level DziLevel, x, y, width, height int, progress ProgressCallback) (*image.RGBA, error)

	// FetchThumbnail fetches the whole slide at the coarsest level whose
	// resolution is finer than or equal to targetMpp.
	FetchThumbnail(ctx context.Context, slideID string, targetMpp float64, progress ProgressCallback) (*image.RGBA, error)
}

type regionFetcher struct {
	client      SlideClient
	concurrency int

	// decoded payloads keyed by content digest: blank background tiles
	// repeat byte-identically across a slide, so decode each distinct
	// payload once
	mu      sync.Mutex
	decoded map[digest.Digest]image.Image
}

// NewRegionFetcher creates a fetcher on top of the given client. A
// concurrency of 0 selects DefaultConcurrency; each concurrent unit drains
// its own response, so multipart bodies always have a single consumer.
func NewRegionFetcher(client SlideClient, concurrency int) RegionFetcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &regionFetcher{
		client:      client,
		concurrency: concurrency,
		decoded:     make(map[digest.Digest]image.Image),
	}
}

func (f *regionFetcher) FetchRegion(ctx context.Context, slideID string, level DziLevel, x, y, width, height int, progress ProgressCallback) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		// a degenerate region needs no tiles
		return image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0))), nil
	}
	placements := level.TilePlacements(x, y, width, height)
	total := int64(len(placements))
	logger.Debug("fetching region %d,%d %dx%d of slide %s: %d tiles at level %d",
		x, y, width, height, slideID, total, level.Number)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if total == 0 {
		return dst, nil
	}

	// one batch request per tile row: rows map to the server's stripe
	// layout, and each multipart response is drained by exactly one
	// goroutine
	byRow := make(map[int][]TilePlacement)
	for _, pl := range placements {
		byRow[pl.Tile.Row] = append(byRow[pl.Tile.Row], pl)
	}

	var done int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, rowPlacements := range byRow {
		rowPlacements := rowPlacements
		g.Go(func() error {
			tiles := make([]DziTile, len(rowPlacements))
			for i, pl := range rowPlacements {
				tiles[i] = pl.Tile
			}
			payloads, err := f.client.FetchTiles(ctx, slideID, tiles)
			if err != nil {
				return err
			}
			for _, pl := range rowPlacements {
				payload, ok := payloads[TileFilename(pl.Tile)]
				if !ok {
					return sgerrors.ErrTileFetch.
						WithMessage("batch response missing tile").
						WithDetail("tile", pl.Tile.Path())
				}
				img, err := f.decode(payload)
				if err != nil {
					return sgerrors.ErrTileFetch.WithDetail("tile", pl.Tile.Path()).WithCause(err)
				}
				f.mu.Lock()
				compose(dst, img, pl)
				done++
				if progress != nil {
					progress(done, total)
				}
				f.mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func (f *regionFetcher) FetchThumbnail(ctx context.Context, slideID string, targetMpp float64, progress ProgressCallback) (*image.RGBA, error) {
	info, err := f.client.SlideInfo(ctx, slideID)
	if err != nil {
		return nil, err
	}
	desc, err := info.DziDescription()
	if err != nil {
		return nil, err
	}
	fit, err := desc.LevelAtResolution(targetMpp, true)
	if err != nil {
		return nil, err
	}
	lvl := fit.Level
	logger.Info("thumbnail for slide %s: level %d (%.2f mpp for requested %.2f)",
		slideID, lvl.Number, fit.MPP, targetMpp)
	return f.FetchRegion(ctx, slideID, lvl, 0, 0, lvl.Width(), lvl.Height(), progress)
}

// decode returns the decoded image for a payload, reusing earlier decodes of
// byte-identical payloads.
func (f *regionFetcher) decode(payload []byte) (image.Image, error) {
	key := digest.FromBytes(payload)
	f.mu.Lock()
	img, ok := f.decoded[key]
	f.mu.Unlock()
	if ok {
		return img, nil
	}

	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding tile payload: %w", err)
	}
	logger.Debug("decoded %s tile payload %s (%d bytes)", format, key, len(payload))

	f.mu.Lock()
	f.decoded[key] = img
	f.mu.Unlock()
	return img, nil
}

// compose pastes the placement's crop of the tile image into dst. Drawing
// clips to the canvas bounds, which handles tiles extending past the
// requested region on the right and bottom.
func compose(dst *image.RGBA, tileImg image.Image, pl TilePlacement) {
	crop := pl.Crop
	dstRect := image.Rect(pl.Dest.X, pl.Dest.Y, pl.Dest.X+crop.Width(), pl.Dest.Y+crop.Height())
	srcOrigin := tileImg.Bounds().Min.Add(image.Pt(crop.Left, crop.Top))
	draw.Draw(dst, dstRect, tileImg, srcOrigin, draw.Src)
}
