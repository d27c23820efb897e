package slideget

import (
	"fmt"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
)

// DziTile is a single tile within a level. All fields are derived at
// construction; the value is immutable afterwards.
type DziTile struct {
	Level int
	Col   int
	Row   int

	// Width and Height are the pixel dimensions of the tile payload,
	// including overlap, clamped at the final column and row.
	Width  int
	Height int

	// TopLeft is the tile's position within the level ignoring overlap.
	TopLeft Point

	// Crop is the sub-rectangle of the raw tile payload holding the
	// non-overlapping region, in tile-local coordinates.
	Crop Rect
}

// TilePlacement describes how a fetched tile contributes to a requested
// region: crop the payload to Crop, then paste it at Dest in the
// destination canvas.
type TilePlacement struct {
	Tile DziTile
	Crop Rect
	Dest Point
}

// Tile returns the tile at (col, row), strictly bounds checked against the
// level's grid.
func (l DziLevel) Tile(col, row int) (DziTile, error) {
	cols, rows := l.Cols(), l.Rows()
	if col < 0 || col >= cols {
		return DziTile{}, sgerrors.ErrTileOutOfRange.WithMessage(
			fmt.Sprintf("column %d out of bounds for %s", col, l))
	}
	if row < 0 || row >= rows {
		return DziTile{}, sgerrors.ErrTileOutOfRange.WithMessage(
			fmt.Sprintf("row %d out of bounds for %s", row, l))
	}
	return l.tile(col, row, cols, rows), nil
}

// tile builds the tile value for in-bounds coordinates.
func (l DziLevel) tile(col, row, cols, rows int) DziTile {
	overlap := l.desc.TileOverlap
	top, left, right, bottom := overlap, overlap, overlap, overlap
	if overlap > 0 {
		// overlap exists on interior edges only
		if col == 0 {
			left = 0
		}
		if col == cols-1 {
			right = 0
		}
		if row == 0 {
			top = 0
		}
		if row == rows-1 {
			bottom = 0
		}
	}

	tileSize := l.desc.TileSize
	width := tileSize + left + right
	height := tileSize + top + bottom
	if col == cols-1 {
		// final column: true remainder of the level width, where an
		// exact multiple means a full tile rather than an empty one
		remainder := l.Width() % tileSize
		if remainder == 0 {
			remainder = tileSize
		}
		width = remainder + left + right
	}
	if row == rows-1 {
		remainder := l.Height() % tileSize
		if remainder == 0 {
			remainder = tileSize
		}
		height = remainder + top + bottom
	}

	cropBottomRight := Rect{0, 0, width, height}.Clip(Point{tileSize + left, tileSize + top})
	return DziTile{
		Level:   l.Number,
		Col:     col,
		Row:     row,
		Width:   width,
		Height:  height,
		TopLeft: Point{col * tileSize, row * tileSize},
		Crop:    Rect{Left: left, Top: top, Right: cropBottomRight.X, Bottom: cropBottomRight.Y},
	}
}

// Tiles returns all tiles in the level in column-major order, the default:
// slide images are usually written in stripes, so sweeping columns within a
// row is the faster I/O pattern downstream.
func (l DziLevel) Tiles() []DziTile {
	return l.TilesColumnMajor()
}

// TilesColumnMajor sweeps columns within each row.
func (l DziLevel) TilesColumnMajor() []DziTile {
	cols, rows := l.Cols(), l.Rows()
	tiles := make([]DziTile, 0, cols*rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tiles = append(tiles, l.tile(c, r, cols, rows))
		}
	}
	return tiles
}

// TilesRowMajor sweeps rows within each column.
func (l DziLevel) TilesRowMajor() []DziTile {
	cols, rows := l.Cols(), l.Rows()
	tiles := make([]DziTile, 0, cols*rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			tiles = append(tiles, l.tile(c, r, cols, rows))
		}
	}
	return tiles
}

// TilesIntersecting returns the tiles that intersect the bounding box with
// top-left (x, y) and the given size, in absolute level pixels. The range is
// clipped to the level's grid; tiles come in row-major order within the
// clipped range.
func (l DziLevel) TilesIntersecting(x, y, width, height int) []DziTile {
	tileSize := l.desc.TileSize
	colStart := floorDiv(x, tileSize)
	colEnd := floorDiv(x+width, tileSize)
	rowStart := floorDiv(y, tileSize)
	rowEnd := floorDiv(y+height, tileSize)

	cols, rows := l.Cols(), l.Rows()
	if colStart < 0 {
		colStart = 0
	}
	if rowStart < 0 {
		rowStart = 0
	}
	if colEnd >= cols {
		colEnd = cols - 1
	}
	if rowEnd >= rows {
		rowEnd = rows - 1
	}

	var tiles []DziTile
	for r := rowStart; r <= rowEnd; r++ {
		for c := colStart; c <= colEnd; c++ {
			tiles = append(tiles, l.tile(c, r, cols, rows))
		}
	}
	return tiles
}

// TilePlacements returns, for each tile intersecting the bounding box, the
// crop and destination placement that reconstructs the box in a canvas whose
// origin is (x, y). Tiles that begin before the box have the spilled amount
// folded into their crop edge and their destination clamped to the canvas
// origin.
func (l DziLevel) TilePlacements(x, y, width, height int) []TilePlacement {
	tileSize := l.desc.TileSize
	tiles := l.TilesIntersecting(x, y, width, height)
	placements := make([]TilePlacement, 0, len(tiles))
	for _, tile := range tiles {
		origin := Point{tile.Col * tileSize, tile.Row * tileSize}
		dest := origin.Sub(Point{x, y})
		crop := tile.Crop
		if dest.X < 0 {
			crop.Left += -dest.X
			dest.X = 0
		}
		if dest.Y < 0 {
			crop.Top += -dest.Y
			dest.Y = 0
		}
		placements = append(placements, TilePlacement{Tile: tile, Crop: crop, Dest: dest})
	}
	return placements
}

// TilePlacementsForLevel covers the entire level.
func (l DziLevel) TilePlacementsForLevel() []TilePlacement {
	return l.TilePlacements(0, 0, l.Width(), l.Height())
}

// Path returns the tile's address in the IA-API URL scheme,
// "<level>/<col>_<row>".
func (t DziTile) Path() string {
	return fmt.Sprintf("%d/%d_%d", t.Level, t.Col, t.Row)
}

func (t DziTile) String() string {
	return fmt.Sprintf("<DziTile level:%d col:%d row:%d />", t.Level, t.Col, t.Row)
}

// floorDiv is integer division rounding towards negative infinity, so that
// bounding boxes reaching left of the origin still clip correctly.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
