package converter

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	textByteLimit = 100000
	textLineLimit = 200
	textWrapWidth = 800
	textMargin    = 20
	textLineStep  = 18
)

// convertText renders plain text onto a white canvas with a monospace
// face. Long inputs are truncated rather than rejected.
func (e *Engine) convertText(path, outputDir, base string) []string {
	f, err := os.Open(path)
	if err != nil {
		e.log.Error("open text file failed", zap.String("file", path), zap.Error(err))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(bufio.NewReader(f), textByteLimit))
	f.Close()
	if err != nil {
		e.log.Error("read text file failed", zap.String("file", path), zap.Error(err))
		return nil
	}

	face := monoFace()
	lines := wrapText(string(raw), face, textWrapWidth-2*textMargin)
	truncated := false
	if len(lines) > textLineLimit {
		lines = lines[:textLineLimit]
		truncated = true
	}
	if truncated {
		lines = append(lines, "", "[... truncated ...]")
	}

	height := 2*textMargin + len(lines)*textLineStep
	if height < 2*textMargin+textLineStep {
		height = 2*textMargin + textLineStep
	}
	canvas := image.NewRGBA(image.Rect(0, 0, textWrapWidth, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	y := textMargin + textLineStep/2
	for _, line := range lines {
		d.Dot = fixed.P(textMargin, y)
		d.DrawString(line)
		y += textLineStep
	}

	return e.writeImage(canvas, outputDir, base)
}

// monoFace loads the bundled monospace face, falling back to the fixed
// bitmap face when parsing fails.
func monoFace() font.Face {
	ft, err := opentype.Parse(gomono.TTF)
	if err != nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(ft, &opentype.FaceOptions{
		Size: 14, DPI: 72, Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

// wrapText splits input into lines that fit maxWidth pixels, breaking on
// rune boundaries when a single line overflows.
func wrapText(text string, face font.Face, maxWidth int) []string {
	limit := fixed.I(maxWidth)
	d := font.Drawer{Face: face}

	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.ReplaceAll(line, "\t", "    ")
		if d.MeasureString(line) <= limit {
			out = append(out, line)
			continue
		}
		var cur []rune
		for _, r := range line {
			cur = append(cur, r)
			if d.MeasureString(string(cur)) > limit {
				out = append(out, string(cur[:len(cur)-1]))
				cur = []rune{r}
			}
		}
		out = append(out, string(cur))
	}
	return out
}
