// Package imageutil decodes uploaded and generated images, re-encodes them as WebP and cuts grid
// images into their nine cells.
package imageutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/gen2brain/webp"
)

const (
	Rows = 3
	Cols = 3
)

// MaxImageBytes bounds downloads and uploads.
const MaxImageBytes = 32 << 20

// Decode reads a PNG, JPEG or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", MaxImageBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// webp is not always registered with image.Decode
		if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return wimg, nil
		}
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func EncodeWebP(img image.Image, quality int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := webp.Encode(buf, img, webp.Options{Lossless: false, Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// ToWebP decodes any supported image and re-encodes it as a high-quality WebP.
func ToWebP(r io.Reader) ([]byte, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return EncodeWebP(img, 90)
}

// CellRect is the area of cell (0-8, row-major) within bounds. The last row and column absorb any
// remainder pixels.
func CellRect(bounds image.Rectangle, cell int) image.Rectangle {
	w, h := bounds.Dx()/Cols, bounds.Dy()/Rows
	row, col := cell/Cols, cell%Cols

	r := image.Rect(
		bounds.Min.X+col*w,
		bounds.Min.Y+row*h,
		bounds.Min.X+(col+1)*w,
		bounds.Min.Y+(row+1)*h,
	)
	if col == Cols-1 {
		r.Max.X = bounds.Max.X
	}
	if row == Rows-1 {
		r.Max.Y = bounds.Max.Y
	}
	return r
}

// Cell crops one cell out of a grid image.
func Cell(img image.Image, cell int) (image.Image, error) {
	if cell < 0 || cell >= Rows*Cols {
		return nil, fmt.Errorf("cell %d out of range", cell)
	}
	r := CellRect(img.Bounds(), cell)

	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// SplitGrid returns the nine cells of a grid image in row-major order.
func SplitGrid(img image.Image) ([]image.Image, error) {
	cells := make([]image.Image, 0, Rows*Cols)
	for i := range Rows * Cols {
		c, err := Cell(img, i)
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, nil
}

// Fetch downloads and decodes an image.
func Fetch(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return Decode(resp.Body)
}
