package fonts

import (
	"context"

	"github.com/Lllllllleong/publishflow/internal/models"
)

// Font names the resolver falls back to.
const (
	DefaultFont      = "Times New Roman"
	CJKSerifFallback = "SimSun"
	CJKSansFallback  = "Microsoft YaHei"
)

// BuiltinCatalog is the font set bundled with the rendering service.
func BuiltinCatalog() []models.FontDescriptor {
	font := func(name string, cjk bool) models.FontDescriptor {
		return models.FontDescriptor{Name: name, Family: name, Style: "Regular", SupportsChinese: cjk}
	}
	return []models.FontDescriptor{
		font("Microsoft YaHei", true),
		font("SimSun", true),
		font("SimHei", true),
		font("KaiTi", true),
		font("STSong", true),
		font("STHeiti", true),
		font("Arial", false),
		font("Times New Roman", false),
	}
}

// recommendedGroups maps a usage group to font names in preference order.
var recommendedGroups = []struct {
	group string
	names []string
}{
	{"chinese_serif", []string{"SimSun", "STSong"}},
	{"chinese_sans", []string{"Microsoft YaHei", "SimHei", "STHeiti"}},
	{"english_serif", []string{"Times New Roman"}},
	{"english_sans", []string{"Arial"}},
	{"monospace", []string{"Courier New"}},
}

// StaticSource serves a fixed font list.
type StaticSource []models.FontDescriptor

// ListFonts returns a copy of the list.
func (s StaticSource) ListFonts(ctx context.Context) ([]models.FontDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]models.FontDescriptor(nil), s...), nil
}
