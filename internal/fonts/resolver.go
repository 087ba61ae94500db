// Package fonts resolves requested font names against the renderer's font set.
//
// The font set is cached process-wide. It is loaded on first use and refreshed only
// when Reload is called; readers always see a complete immutable snapshot.
package fonts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Source lists the fonts available to the renderer.
type Source interface {
	ListFonts(ctx context.Context) ([]models.FontDescriptor, error)
}

// Substitution records that a different font was chosen than the one requested.
type Substitution struct {
	Requested string `json:"requested"`
	Resolved  string `json:"resolved"`
	Reason    string `json:"reason"`
}

func (s Substitution) String() string {
	req := s.Requested
	if req == "" {
		req = "(default)"
	}
	return fmt.Sprintf("font %s replaced by %s: %s", req, s.Resolved, s.Reason)
}

// Substitution reasons.
const (
	ReasonNotFound = "font not available"
	ReasonNoCJK    = "font has no CJK glyphs"
)

// Resolution is the font chosen for a document.
type Resolution struct {
	Font models.FontDescriptor
	// Substitution is nil when the requested font was used as-is.
	Substitution *Substitution
}

type snapshot struct {
	fonts    []models.FontDescriptor
	byKey    map[string]int
	loadedAt time.Time
}

func newSnapshot(list []models.FontDescriptor) *snapshot {
	s := &snapshot{
		fonts:    append([]models.FontDescriptor(nil), list...),
		byKey:    make(map[string]int, 2*len(list)),
		loadedAt: time.Now(),
	}
	for i, f := range s.fonts {
		// Names take precedence over families when they collide.
		if k := fold(f.Family); k != "" {
			if _, taken := s.byKey[k]; !taken {
				s.byKey[k] = i
			}
		}
	}
	for i, f := range s.fonts {
		if k := fold(f.Name); k != "" {
			s.byKey[k] = i
		}
	}
	return s
}

func (s *snapshot) lookup(name string) (models.FontDescriptor, bool) {
	i, ok := s.byKey[fold(name)]
	if !ok {
		return models.FontDescriptor{}, false
	}
	return s.fonts[i], true
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Resolver is safe for concurrent use.
type Resolver struct {
	source Source
	logger *zap.Logger

	snap   atomic.Pointer[snapshot]
	loadMu sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for reloads and substitutions.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a resolver reading from source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{source: source, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// current returns the cached snapshot, loading it on first use.
func (r *Resolver) current(ctx context.Context) (*snapshot, error) {
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	return r.load(ctx)
}

func (r *Resolver) load(ctx context.Context) (*snapshot, error) {
	list, err := r.source.ListFonts(ctx)
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Stage == apperr.StageFont {
			return nil, err
		}
		return nil, apperr.New(apperr.StageFont, apperr.CodeUnavailable, fmt.Errorf("failed to list fonts: %w", err))
	}
	s := newSnapshot(list)
	r.snap.Store(s)
	r.logger.Info("Font set loaded", zap.Int("fonts", len(s.fonts)))
	return s, nil
}

// Reload fetches the font set again and swaps it in. Readers keep using the old
// snapshot until the new one is complete; on error the old snapshot stays.
func (r *Resolver) Reload(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	_, err := r.load(ctx)
	return err
}

// LoadedAt reports when the current snapshot was fetched. It is zero before the first load.
func (r *Resolver) LoadedAt() time.Time {
	if s := r.snap.Load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}

// Resolve looks up name case-insensitively by font name or family.
func (r *Resolver) Resolve(ctx context.Context, name string) (models.FontDescriptor, error) {
	s, err := r.current(ctx)
	if err != nil {
		return models.FontDescriptor{}, err
	}
	f, ok := s.lookup(name)
	if !ok {
		return models.FontDescriptor{}, apperr.Newf(apperr.StageFont, apperr.CodeNotFound, "font %q not found", name)
	}
	return f, nil
}

// ResolveFor picks the font to render content with. A font that is missing, or that
// lacks CJK glyphs while content needs them, is replaced by the nearest usable font
// and the replacement is reported.
func (r *Resolver) ResolveFor(ctx context.Context, name string, needsCJK bool) (Resolution, error) {
	s, err := r.current(ctx)
	if err != nil {
		return Resolution{}, err
	}

	requested, found := s.lookup(name)
	switch {
	case name == "":
		fallback := DefaultFont
		if needsCJK {
			fallback = CJKSerifFallback
		}
		f, err := r.fallback(s, fallback, needsCJK)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Font: f}, nil
	case found && (!needsCJK || requested.SupportsChinese):
		return Resolution{Font: requested}, nil
	}

	reason := ReasonNotFound
	preferred := DefaultFont
	if needsCJK {
		preferred = CJKSerifFallback
		if isSans(name) {
			preferred = CJKSansFallback
		}
		if found {
			reason = ReasonNoCJK
		}
	} else if isSans(name) {
		preferred = "Arial"
	}

	f, err := r.fallback(s, preferred, needsCJK)
	if err != nil {
		return Resolution{}, err
	}
	sub := &Substitution{Requested: name, Resolved: f.Name, Reason: reason}
	r.logger.Warn("Font substituted",
		zap.String("requested", name),
		zap.String("resolved", f.Name),
		zap.String("reason", reason))
	return Resolution{Font: f, Substitution: sub}, nil
}

// fallback returns preferred if present, otherwise the first font that satisfies needsCJK.
func (r *Resolver) fallback(s *snapshot, preferred string, needsCJK bool) (models.FontDescriptor, error) {
	if f, ok := s.lookup(preferred); ok && (!needsCJK || f.SupportsChinese) {
		return f, nil
	}
	for _, f := range s.fonts {
		if !needsCJK || f.SupportsChinese {
			return f, nil
		}
	}
	return models.FontDescriptor{}, apperr.Newf(apperr.StageFont, apperr.CodeNotFound, "no usable fallback font (cjk=%t)", needsCJK)
}

var sansMarkers = []string{"sans", "arial", "helvetica", "hei", "gothic", "verdana"}

func isSans(name string) bool {
	n := fold(name)
	for _, m := range sansMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

// SystemFonts lists every available font.
func (r *Resolver) SystemFonts(ctx context.Context) ([]models.FontDescriptor, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return append([]models.FontDescriptor(nil), s.fonts...), nil
}

// ChineseFonts lists the CJK-capable fonts.
func (r *Resolver) ChineseFonts(ctx context.Context) ([]models.FontDescriptor, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.FontDescriptor
	for _, f := range s.fonts {
		if f.SupportsChinese {
			out = append(out, f)
		}
	}
	return out, nil
}

// Validate reports whether name is available.
func (r *Resolver) Validate(ctx context.Context, name string) (bool, error) {
	s, err := r.current(ctx)
	if err != nil {
		return false, err
	}
	_, ok := s.lookup(name)
	return ok, nil
}

// Info is Resolve under the name used by the font API.
func (r *Resolver) Info(ctx context.Context, name string) (models.FontDescriptor, error) {
	return r.Resolve(ctx, name)
}

// Recommended returns the usage groups restricted to fonts that are available.
// Groups with no available font are omitted.
func (r *Resolver) Recommended(ctx context.Context) (map[string][]string, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(recommendedGroups))
	for _, g := range recommendedGroups {
		for _, name := range g.names {
			if f, ok := s.lookup(name); ok {
				out[g.group] = append(out[g.group], f.Name)
			}
		}
	}
	return out, nil
}
