package converter

import (
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

func init() {
	image.RegisterFormat("bmp", "BM", bmp.Decode, bmp.DecodeConfig)
	image.RegisterFormat("tiff", "II\x2A\x00", tiff.Decode, tiff.DecodeConfig)
	image.RegisterFormat("tiff", "MM\x00\x2A", tiff.Decode, tiff.DecodeConfig)
}

// convertImage re-encodes an image from scratch, stripping any metadata
// or appended payload, and bounds its longest edge at MaxDimension.
func (e *Engine) convertImage(path, outputDir, base string) []string {
	f, err := os.Open(path)
	if err != nil {
		e.log.Error("open image failed", zap.String("file", path), zap.Error(err))
		return nil
	}
	src, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		e.log.Error("decode image failed", zap.String("file", path), zap.Error(err))
		return nil
	}

	img := normalizeColor(src)
	if e.cfg.MaxDimension > 0 {
		img = e.downscale(img)
	}

	e.log.Debug("image decoded",
		zap.String("file", path), zap.String("format", format))
	return e.writeImage(img, outputDir, base)
}

// writeImage encodes img in the configured output format.
func (e *Engine) writeImage(img image.Image, outputDir, base string) []string {
	ext := e.ext()
	out := outputName(outputDir, base, ext)
	dst, err := os.Create(out)
	if err != nil {
		e.log.Error("create output image failed", zap.String("file", out), zap.Error(err))
		return nil
	}
	defer dst.Close()

	switch ext {
	case "jpeg":
		err = jpeg.Encode(dst, img, &jpeg.Options{Quality: e.cfg.JPEGQuality})
	default:
		enc := png.Encoder{CompressionLevel: pngLevel(e.cfg.PNGCompression)}
		err = enc.Encode(dst, img)
	}
	if err != nil {
		e.log.Error("encode image failed", zap.String("file", out), zap.Error(err))
		os.Remove(out)
		return nil
	}
	return []string{out}
}

// normalizeColor keeps grayscale sources grayscale and flattens everything
// else onto opaque RGB. Transparency composites over white.
func normalizeColor(src image.Image) image.Image {
	b := src.Bounds()
	switch src.(type) {
	case *image.Gray, *image.Gray16:
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// downscale shrinks the image so its longest edge fits MaxDimension,
// preserving aspect ratio. Smaller images pass through untouched.
func (e *Engine) downscale(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	max := e.cfg.MaxDimension
	if w <= max && h <= max {
		return src
	}

	var nw, nh int
	if w >= h {
		nw = max
		nh = h * max / w
	} else {
		nh = max
		nw = w * max / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	var dst draw.Image
	if _, gray := src.(*image.Gray); gray {
		dst = image.NewGray(image.Rect(0, 0, nw, nh))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, nw, nh))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func pngLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}
