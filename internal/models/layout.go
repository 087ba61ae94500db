package models

// PageFormat is the printed page size.
type PageFormat string

const (
	PageA4     PageFormat = "A4"
	PageA3     PageFormat = "A3"
	PageLetter PageFormat = "Letter"
	PageLegal  PageFormat = "Legal"
)

// ColorMode is the output colour space.
type ColorMode string

const (
	ColorRGB  ColorMode = "RGB"
	ColorCMYK ColorMode = "CMYK"
)

// LayoutConfig holds every typographic and print parameter sent to the renderer.
// Margins and bleed are millimetres, font size and paragraph spacing are points,
// image spacing is pixels.
type LayoutConfig struct {
	PageFormat   PageFormat `json:"page_format" firestore:"pageFormat"`
	MarginTop    float64    `json:"margin_top" firestore:"marginTop"`
	MarginBottom float64    `json:"margin_bottom" firestore:"marginBottom"`
	MarginLeft   float64    `json:"margin_left" firestore:"marginLeft"`
	MarginRight  float64    `json:"margin_right" firestore:"marginRight"`

	FontSize   float64 `json:"font_size" firestore:"fontSize"`
	LineHeight float64 `json:"line_height" firestore:"lineHeight"`
	// FontFamily is the requested body font; empty means the renderer default.
	FontFamily string `json:"font_family,omitempty" firestore:"fontFamily,omitempty"`

	ParagraphSpacing float64 `json:"paragraph_spacing" firestore:"paragraphSpacing"`
	IndentFirstLine  bool    `json:"indent_first_line" firestore:"indentFirstLine"`
	ImageSpacing     float64 `json:"image_spacing" firestore:"imageSpacing"`

	DPI       int       `json:"dpi" firestore:"dpi"`
	ColorMode ColorMode `json:"color_mode" firestore:"colorMode"`
	Bleed     float64   `json:"bleed" firestore:"bleed"`

	WidowOrphanControl bool `json:"widow_orphan_control" firestore:"widowOrphanControl"`

	// ShowAnswers toggles answer boxes in the rendered output. It is forwarded to the
	// renderer untouched.
	ShowAnswers *bool `json:"show_answers,omitempty" firestore:"showAnswers,omitempty"`
}

// DefaultLayoutConfig mirrors the defaults of the rendering service.
func DefaultLayoutConfig() LayoutConfig {
	showAnswers := true
	return LayoutConfig{
		PageFormat:         PageA4,
		MarginTop:          20,
		MarginBottom:       20,
		MarginLeft:         20,
		MarginRight:        20,
		FontSize:           12,
		LineHeight:         1.5,
		ParagraphSpacing:   6,
		IndentFirstLine:    true,
		ImageSpacing:       20,
		DPI:                300,
		ColorMode:          ColorCMYK,
		Bleed:              3,
		WidowOrphanControl: true,
		ShowAnswers:        &showAnswers,
	}
}

// Clone returns a deep copy.
func (c LayoutConfig) Clone() LayoutConfig {
	out := c
	if c.ShowAnswers != nil {
		v := *c.ShowAnswers
		out.ShowAnswers = &v
	}
	return out
}

// LayoutPatch is a partial LayoutConfig. Nil fields are left unchanged when applied.
// AI layout suggestions are expressed as patches.
type LayoutPatch struct {
	PageFormat         *PageFormat `json:"page_format,omitempty"`
	MarginTop          *float64    `json:"margin_top,omitempty"`
	MarginBottom       *float64    `json:"margin_bottom,omitempty"`
	MarginLeft         *float64    `json:"margin_left,omitempty"`
	MarginRight        *float64    `json:"margin_right,omitempty"`
	FontSize           *float64    `json:"font_size,omitempty"`
	LineHeight         *float64    `json:"line_height,omitempty"`
	FontFamily         *string     `json:"font_family,omitempty"`
	ParagraphSpacing   *float64    `json:"paragraph_spacing,omitempty"`
	IndentFirstLine    *bool       `json:"indent_first_line,omitempty"`
	ImageSpacing       *float64    `json:"image_spacing,omitempty"`
	DPI                *int        `json:"dpi,omitempty"`
	ColorMode          *ColorMode  `json:"color_mode,omitempty"`
	Bleed              *float64    `json:"bleed,omitempty"`
	WidowOrphanControl *bool       `json:"widow_orphan_control,omitempty"`
	ShowAnswers        *bool       `json:"show_answers,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p LayoutPatch) IsEmpty() bool {
	return p == LayoutPatch{}
}

// Apply returns base with every non-nil patch field applied.
func (p LayoutPatch) Apply(base LayoutConfig) LayoutConfig {
	out := base.Clone()
	if p.PageFormat != nil {
		out.PageFormat = *p.PageFormat
	}
	if p.MarginTop != nil {
		out.MarginTop = *p.MarginTop
	}
	if p.MarginBottom != nil {
		out.MarginBottom = *p.MarginBottom
	}
	if p.MarginLeft != nil {
		out.MarginLeft = *p.MarginLeft
	}
	if p.MarginRight != nil {
		out.MarginRight = *p.MarginRight
	}
	if p.FontSize != nil {
		out.FontSize = *p.FontSize
	}
	if p.LineHeight != nil {
		out.LineHeight = *p.LineHeight
	}
	if p.FontFamily != nil {
		out.FontFamily = *p.FontFamily
	}
	if p.ParagraphSpacing != nil {
		out.ParagraphSpacing = *p.ParagraphSpacing
	}
	if p.IndentFirstLine != nil {
		out.IndentFirstLine = *p.IndentFirstLine
	}
	if p.ImageSpacing != nil {
		out.ImageSpacing = *p.ImageSpacing
	}
	if p.DPI != nil {
		out.DPI = *p.DPI
	}
	if p.ColorMode != nil {
		out.ColorMode = *p.ColorMode
	}
	if p.Bleed != nil {
		out.Bleed = *p.Bleed
	}
	if p.WidowOrphanControl != nil {
		out.WidowOrphanControl = *p.WidowOrphanControl
	}
	if p.ShowAnswers != nil {
		v := *p.ShowAnswers
		out.ShowAnswers = &v
	}
	return out
}
