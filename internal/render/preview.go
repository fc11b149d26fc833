// Package render provides preview rendering using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/pseudospot/server/internal/synth"
	"github.com/pseudospot/server/pkg/palette"
)

// Config contains renderer configuration.
type Config struct {
	Width    int
	SpotSize int
}

// Spot is one rendered spot: which region row it belongs to and how large
// to draw it.
type Spot struct {
	Region      string
	TotalCount  int64
	TargetDepth int64
}

// PreviewRenderer draws a spot layout image: one row of circles per region,
// circle area proportional to the spot's total count.
type PreviewRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewPreviewRenderer creates a new preview renderer.
func NewPreviewRenderer(cfg Config) *PreviewRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.SpotSize <= 0 {
		cfg.SpotSize = 24
	}
	return &PreviewRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderLayout renders the preview for a job. Regions are drawn in the
// given order, one band per region; the mock region gets its reserved gray.
func (r *PreviewRenderer) RenderLayout(regions []string, spots []Spot) ([]byte, error) {
	cell := float64(r.config.SpotSize)
	margin := cell
	labelHeight := cell

	byRegion := make(map[string][]Spot, len(regions))
	for _, s := range spots {
		byRegion[s.Region] = append(byRegion[s.Region], s)
	}

	// Wrap each region's spots into rows that fit the image width.
	perRow := int((float64(r.config.Width) - 2*margin) / cell)
	if perRow < 1 {
		perRow = 1
	}

	height := margin
	bandTop := make([]float64, len(regions))
	bandRows := make([]int, len(regions))
	for i, region := range regions {
		n := len(byRegion[region])
		rows := (n + perRow - 1) / perRow
		if rows < 1 {
			rows = 1
		}
		bandTop[i] = height
		bandRows[i] = rows
		height += labelHeight + float64(rows)*cell + margin
	}

	dc := gg.NewContext(r.config.Width, int(math.Ceil(height)))
	dc.SetColor(color.White)
	dc.Clear()

	maxTotal := int64(1)
	for _, s := range spots {
		if s.TotalCount > maxTotal {
			maxTotal = s.TotalCount
		}
	}

	for i, region := range regions {
		c := regionColor(region, i)

		dc.SetColor(color.Black)
		dc.DrawString(region, margin, bandTop[i]+labelHeight-4)

		for j, s := range byRegion[region] {
			col := j % perRow
			row := j / perRow
			cx := margin + float64(col)*cell + cell/2
			cy := bandTop[i] + labelHeight + float64(row)*cell + cell/2

			// Area encodes the total count.
			ratio := math.Sqrt(float64(s.TotalCount) / float64(maxTotal))
			radius := (cell / 2) * (0.35 + 0.6*ratio)

			dc.SetColor(c)
			dc.DrawCircle(cx, cy, radius)
			dc.Fill()

			// Under-target spots get a ring to stand out.
			if s.TargetDepth > 0 && s.TotalCount < s.TargetDepth {
				dc.SetColor(color.Black)
				dc.SetLineWidth(1)
				dc.DrawCircle(cx, cy, radius)
				dc.Stroke()
			}
		}
	}

	return r.encodeContext(dc)
}

func regionColor(region string, idx int) color.RGBA {
	if region == synth.MockRegionName {
		return palette.Mock
	}
	return palette.Regions.AtIndex(idx)
}

func (r *PreviewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
