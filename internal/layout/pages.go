package layout

import "github.com/Lllllllleong/publishflow/internal/models"

// PageSize is a physical page in millimetres, portrait orientation.
type PageSize struct {
	Width  float64
	Height float64
}

var pageSizes = map[models.PageFormat]PageSize{
	models.PageA4:     {Width: 210, Height: 297},
	models.PageA3:     {Width: 297, Height: 420},
	models.PageLetter: {Width: 215.9, Height: 279.4},
	models.PageLegal:  {Width: 215.9, Height: 355.6},
}

// SizeOf returns the page dimensions for format.
func SizeOf(format models.PageFormat) (PageSize, bool) {
	s, ok := pageSizes[format]
	return s, ok
}

// PrintableArea returns the width and height left for content once margins and
// bleed on both sides are removed. Either value may be zero or negative.
func PrintableArea(cfg models.LayoutConfig) (width, height float64, ok bool) {
	size, ok := SizeOf(cfg.PageFormat)
	if !ok {
		return 0, 0, false
	}
	width = size.Width - cfg.MarginLeft - cfg.MarginRight - 2*cfg.Bleed
	height = size.Height - cfg.MarginTop - cfg.MarginBottom - 2*cfg.Bleed
	return width, height, true
}
