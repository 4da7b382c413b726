// Package tiles renders a raster into a Deep Zoom style tile pyramid.
//
// Level MaxLevel is full resolution; each level below halves both sides,
// rounding up, down to level 0 where the longest side is one pixel. Every
// level is cut into TileSize squares with no overlap; the last column and
// row are clipped to the remaining pixels.
package tiles

import (
	"image"
	"math/bits"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
)

// TileSize is the edge of a full tile in pixels.
const TileSize = models.TileSize

// MaxLevel returns ceil(log2(max(width, height))). A 1x1 image has level 0 only.
func MaxLevel(width, height int) int {
	longest := max(width, height, 1)
	return bits.Len(uint(longest - 1))
}

// LevelCount is the number of levels in the pyramid.
func LevelCount(width, height int) int {
	return MaxLevel(width, height) + 1
}

// LevelSize returns the dimensions of level, each side at least 1px.
func LevelSize(width, height, maxLevel, level int) (int, int) {
	divisor := 1 << (maxLevel - level)
	return max(ceilDiv(width, divisor), 1), max(ceilDiv(height, divisor), 1)
}

// Grid returns the number of tile columns and rows for a level.
func Grid(levelWidth, levelHeight int) (cols, rows int) {
	return ceilDiv(levelWidth, TileSize), ceilDiv(levelHeight, TileSize)
}

// TileRect returns the clipped pixel region of tile (col, row) in a level.
func TileRect(levelWidth, levelHeight, col, row int) image.Rectangle {
	x0, y0 := col*TileSize, row*TileSize
	return image.Rect(x0, y0, min(x0+TileSize, levelWidth), min(y0+TileSize, levelHeight))
}

// ThumbnailSize fits width x height within TileSize x TileSize, keeping the
// aspect ratio and never upscaling.
func ThumbnailSize(width, height int) (int, int) {
	if width <= TileSize && height <= TileSize {
		return width, height
	}
	if width >= height {
		return TileSize, max(height*TileSize/width, 1)
	}
	return max(width*TileSize/height, 1), TileSize
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
