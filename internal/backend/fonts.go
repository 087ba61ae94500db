package backend

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

type fontListResponse struct {
	Fonts []models.FontDescriptor `json:"fonts"`
}

type fontValidateResponse struct {
	FontName string `json:"font_name"`
	IsValid  bool   `json:"is_valid"`
}

type fontInfoResponse struct {
	FontInfo *models.FontDescriptor `json:"font_info"`
}

// ListFonts returns every font the service can render with. The full list and the
// CJK-capable list are fetched concurrently; a font on the CJK list is marked as
// supporting Chinese even if the full list omits the flag.
//
// Client satisfies fonts.Source, so a fonts.Resolver can cache this list.
func (c *Client) ListFonts(ctx context.Context) ([]models.FontDescriptor, error) {
	var all, cjk fontListResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, apperr.StageFont, "list-fonts", "/api/fonts/list", nil, &all)
	})
	g.Go(func() error {
		return c.getJSON(gctx, apperr.StageFont, "list-chinese-fonts", "/api/fonts/chinese", nil, &cjk)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	capable := make(map[string]bool, len(cjk.Fonts))
	for _, f := range cjk.Fonts {
		capable[strings.ToLower(f.Name)] = true
	}
	out := make([]models.FontDescriptor, 0, len(all.Fonts))
	seen := make(map[string]bool, len(all.Fonts))
	for _, f := range all.Fonts {
		key := strings.ToLower(f.Name)
		if f.Name == "" || seen[key] {
			continue
		}
		seen[key] = true
		f.SupportsChinese = f.SupportsChinese || capable[key]
		out = append(out, f)
	}
	for _, f := range cjk.Fonts {
		if key := strings.ToLower(f.Name); f.Name != "" && !seen[key] {
			seen[key] = true
			f.SupportsChinese = true
			out = append(out, f)
		}
	}
	return out, nil
}

// ValidateFont asks the service whether name is usable.
func (c *Client) ValidateFont(ctx context.Context, name string) (bool, error) {
	var resp fontValidateResponse
	if err := c.getJSON(ctx, apperr.StageFont, "validate-font", "/api/fonts/validate/"+url.PathEscape(name), nil, &resp); err != nil {
		return false, err
	}
	return resp.IsValid, nil
}

// FontInfo returns the descriptor of name. An unknown font is FONT NOT_FOUND.
func (c *Client) FontInfo(ctx context.Context, name string) (models.FontDescriptor, error) {
	var resp fontInfoResponse
	if err := c.getJSON(ctx, apperr.StageFont, "font-info", "/api/fonts/info/"+url.PathEscape(name), nil, &resp); err != nil {
		return models.FontDescriptor{}, err
	}
	if resp.FontInfo == nil {
		return models.FontDescriptor{}, apperr.Newf(apperr.StageFont, apperr.CodeNotFound, "font %q not found", name)
	}
	return *resp.FontInfo, nil
}
