// Package layout validates LayoutConfig values before they reach the renderer.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Ranges accepted by the rendering service.
const (
	MinFontSize         = 8.0
	MaxFontSize         = 24.0
	MinLineHeight       = 1.0
	MaxLineHeight       = 3.0
	MaxParagraphSpacing = 50.0
	MaxImageSpacing     = 50.0
	MaxBleed            = 10.0
)

// Validated is a LayoutConfig that passed Validate. Only this package constructs it.
type Validated struct {
	config      models.LayoutConfig
	fingerprint string
}

// Config returns a copy of the validated configuration.
func (v Validated) Config() models.LayoutConfig { return v.config.Clone() }

// Fingerprint identifies the exact field values that were validated.
func (v Validated) Fingerprint() string { return v.fingerprint }

// IsZero reports whether v was never produced by Validate.
func (v Validated) IsZero() bool { return v.fingerprint == "" }

// Fingerprint returns the SHA-256 of the config's canonical JSON encoding.
func Fingerprint(cfg models.LayoutConfig) string {
	// Struct fields marshal in declaration order, so the encoding is stable.
	b, err := json.Marshal(cfg)
	if err != nil {
		// Only NaN/Inf can fail here and Validate rejects those first.
		b = []byte(fmt.Sprintf("%#v", cfg))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type rangeCheck struct {
	field    string
	value    float64
	min, max float64
}

// Validate checks every field of cfg against its domain and the printable-area rule.
// It has no side effects and returns the same verdict for the same input.
func Validate(cfg models.LayoutConfig) (Validated, error) {
	if _, ok := SizeOf(cfg.PageFormat); !ok {
		return Validated{}, apperr.Field("page_format", fmt.Sprintf("unknown page format %q", cfg.PageFormat))
	}
	switch cfg.ColorMode {
	case models.ColorRGB, models.ColorCMYK:
	default:
		return Validated{}, apperr.Field("color_mode", fmt.Sprintf("unknown color mode %q", cfg.ColorMode))
	}
	if cfg.DPI <= 0 {
		return Validated{}, apperr.Field("dpi", "must be positive")
	}

	inf := math.Inf(1)
	checks := []rangeCheck{
		{"margin_top", cfg.MarginTop, 0, inf},
		{"margin_bottom", cfg.MarginBottom, 0, inf},
		{"margin_left", cfg.MarginLeft, 0, inf},
		{"margin_right", cfg.MarginRight, 0, inf},
		{"font_size", cfg.FontSize, MinFontSize, MaxFontSize},
		{"line_height", cfg.LineHeight, MinLineHeight, MaxLineHeight},
		{"paragraph_spacing", cfg.ParagraphSpacing, 0, MaxParagraphSpacing},
		{"image_spacing", cfg.ImageSpacing, 0, MaxImageSpacing},
		{"bleed", cfg.Bleed, 0, MaxBleed},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return Validated{}, apperr.Field(c.field, "must be a finite number")
		}
		if c.value < c.min || c.value > c.max {
			if math.IsInf(c.max, 1) {
				return Validated{}, apperr.Field(c.field, fmt.Sprintf("must be at least %g", c.min))
			}
			return Validated{}, apperr.Field(c.field, fmt.Sprintf("must be between %g and %g", c.min, c.max))
		}
	}

	width, height, _ := PrintableArea(cfg)
	if width <= 0 {
		return Validated{}, &apperr.Error{
			Stage: apperr.StageValidate,
			Code:  apperr.CodeMarginExceedsPage,
			Field: "margin_left,margin_right",
			Err:   fmt.Errorf("printable width %.1fmm on %s", width, cfg.PageFormat),
		}
	}
	if height <= 0 {
		return Validated{}, &apperr.Error{
			Stage: apperr.StageValidate,
			Code:  apperr.CodeMarginExceedsPage,
			Field: "margin_top,margin_bottom",
			Err:   fmt.Errorf("printable height %.1fmm on %s", height, cfg.PageFormat),
		}
	}

	out := cfg.Clone()
	return Validated{config: out, fingerprint: Fingerprint(out)}, nil
}

// Revalidate returns prev unchanged when cfg still matches its fingerprint and
// runs Validate otherwise.
func Revalidate(prev Validated, cfg models.LayoutConfig) (Validated, error) {
	if !prev.IsZero() && prev.fingerprint == Fingerprint(cfg) {
		return prev, nil
	}
	return Validate(cfg)
}
