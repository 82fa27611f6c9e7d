package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/lox/pikasurvey/internal/glmm"
)

var (
	fontTitle   font.Face
	fontRegular font.Face
	fontOnce    sync.Once
	fontErr     error
)

func loadFonts() {
	fontOnce.Do(func() {
		bold, err := opentype.Parse(gobold.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Bold: %w", err)
			return
		}
		fontTitle, err = opentype.NewFace(bold, &opentype.FaceOptions{Size: 34, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			fontErr = fmt.Errorf("create title face: %w", err)
			return
		}

		regular, err := opentype.Parse(goregular.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Regular: %w", err)
			return
		}
		fontRegular, err = opentype.NewFace(regular, &opentype.FaceOptions{Size: 20, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			fontErr = fmt.Errorf("create regular face: %w", err)
		}
	})
}

// CardData is what the model card shows about the selected model.
type CardData struct {
	Family   glmm.Family
	Formula  string
	N        int
	Sites    int
	AICc     float64
	Weight   float64
	Sigma    float64
	Theta    float64
	Coefs    []glmm.Coef
	Flagged  bool
	Concerns []string
}

const (
	CardWidth  = 1200
	CardHeight = 630
)

// ModelCard renders a PNG summary of the top model.
func ModelCard(d CardData) ([]byte, error) {
	loadFonts()
	if fontErr != nil {
		return nil, fmt.Errorf("load fonts: %w", fontErr)
	}

	img := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	for y := 0; y < CardHeight; y++ {
		progress := float64(y) / float64(CardHeight)
		c := color.RGBA{uint8(24 + progress*12), uint8(36 + progress*18), uint8(32 + progress*10), 255}
		for x := 0; x < CardWidth; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	white := color.RGBA{255, 255, 255, 255}
	muted := color.RGBA{190, 200, 195, 255}

	drawText(img, "Pika haypile model", 50, 70, white, fontTitle)
	drawText(img, fmt.Sprintf("%s GLMM, site random intercept", d.Family), 50, 110, muted, fontRegular)
	drawText(img, "~ "+d.Formula, 50, 160, white, fontRegular)

	stats := fmt.Sprintf("n = %d surveys, %d sites   AICc %.1f   weight %.2f   site sd %.2f",
		d.N, d.Sites, d.AICc, d.Weight, d.Sigma)
	if d.Family == glmm.NegativeBinomial {
		stats += fmt.Sprintf("   theta %.2f", d.Theta)
	}
	drawText(img, stats, 50, 200, muted, fontRegular)

	y := 260
	for _, c := range d.Coefs {
		if y > CardHeight-110 {
			break
		}
		line := fmt.Sprintf("%-22s %8.3f  (%.3f, %.3f)   x%.2f", c.Name, c.Estimate, c.Lower, c.Upper, c.Exp)
		drawText(img, line, 70, y, white, fontRegular)
		y += 30
	}

	badge := color.RGBA{70, 170, 110, 255}
	status := "Residual checks passed"
	if d.Flagged {
		badge = color.RGBA{210, 90, 70, 255}
		status = "Residual concerns: " + fmt.Sprint(len(d.Concerns))
	}
	fillRect(img, image.Rect(50, CardHeight-80, 62, CardHeight-44), badge)
	drawText(img, status, 75, CardHeight-52, white, fontRegular)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode model card: %w", err)
	}
	return buf.Bytes(), nil
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
