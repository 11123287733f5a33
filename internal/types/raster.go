package types

import (
	"image"
	"sync/atomic"
)

// Raster is an assembled output image, row-major RGBA with Stride bytes per row.
// Width may be narrower than Stride/BytesPerPixel when a preview was truncated.
type Raster struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

func NewRaster(width, height int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Stride: width * BytesPerPixel,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Image exposes the raster as an image.RGBA without copying.
func (r *Raster) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Stride,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// PixelAt returns the four bytes of pixel (x, y).
func (r *Raster) PixelAt(x, y int) []byte {
	off := y*r.Stride + x*BytesPerPixel
	return r.Pix[off : off+BytesPerPixel]
}

// Tight returns the pixel bytes with rows packed to Width*BytesPerPixel.
// The raster's own buffer is returned when it is already tight.
func (r *Raster) Tight() []byte {
	row := r.Width * BytesPerPixel
	if row == r.Stride {
		return r.Pix[:row*r.Height]
	}
	out := make([]byte, row*r.Height)
	for y := 0; y < r.Height; y++ {
		copy(out[y*row:(y+1)*row], r.Pix[y*r.Stride:y*r.Stride+row])
	}
	return out
}

// RasterPool is a bounded free list of same-sized rasters owned by the caller of
// an export run. Acquire hands out a raster; Release returns it once the sink is done.
type RasterPool struct {
	width  int
	height int
	free   chan *Raster

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewRasterPool(width, height, capacity int) *RasterPool {
	if capacity < 1 {
		capacity = 1
	}
	return &RasterPool{
		width:  width,
		height: height,
		free:   make(chan *Raster, capacity),
	}
}

func (p *RasterPool) Acquire() *Raster {
	select {
	case r := <-p.free:
		p.hits.Add(1)
		return r
	default:
		p.misses.Add(1)
		return NewRaster(p.width, p.height)
	}
}

// Release returns r to the pool. Rasters of a different size, or beyond capacity, are dropped.
func (p *RasterPool) Release(r *Raster) {
	if r == nil || r.Width != p.width || r.Height != p.height {
		return
	}
	select {
	case p.free <- r:
	default:
	}
}

func (p *RasterPool) Stats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}
