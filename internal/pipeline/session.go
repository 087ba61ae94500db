package pipeline

import (
	"sync"
	"time"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/layout"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Mode names a request stream with its own sequence numbers.
type Mode string

const (
	ModeUpload    Mode = "upload"
	ModeConvert   Mode = "convert"
	ModePreview   Mode = "preview"
	ModeFinal     Mode = "final"
	ModeProofread Mode = "proofread"
	ModeSuggest   Mode = "suggest"
)

// session is the coordinating state for one document. All fields are guarded by mu.
type session struct {
	id string
	mu sync.Mutex

	phase       phase
	failedStage apperr.Stage
	lastErr     error

	doc       *models.Document
	layout    models.LayoutConfig
	validated layout.Validated
	// contentRev and layoutRev increase on every edit.
	contentRev uint64
	layoutRev  uint64

	latest   map[Mode]uint64
	inFlight map[Mode]bool

	preview    *models.PDFArtifact
	final      *models.PDFArtifact
	superseded []models.PDFArtifact
	proofread  *models.ProofreadResult
	suggestion *models.LayoutSuggestion
	notices    []fonts.Substitution

	debounce   *time.Timer
	lastActive time.Time
	ended      bool
}

func newSession(id string, now time.Time) *session {
	return &session{
		id:         id,
		phase:      phaseEmpty,
		layout:     models.DefaultLayoutConfig(),
		latest:     make(map[Mode]uint64),
		inFlight:   make(map[Mode]bool),
		lastActive: now,
	}
}

// state derives the reported state. A final render in flight dominates a preview.
func (s *session) state() State {
	if s.phase == phaseConfiguring || s.phase == phaseCompleted {
		if s.inFlight[ModeFinal] {
			return StateFinalizing
		}
		if s.inFlight[ModePreview] {
			return StatePreviewing
		}
	}
	return s.phase.state()
}

// issue starts a new request for mode and returns its sequence number.
func (s *session) issue(m Mode) uint64 {
	s.latest[m]++
	s.inFlight[m] = true
	return s.latest[m]
}

func (s *session) isLatest(m Mode, seq uint64) bool {
	return s.latest[m] == seq
}

// settle marks the latest request for mode as no longer in flight.
func (s *session) settle(m Mode) {
	s.inFlight[m] = false
}

// invalidate makes every outstanding response for modes stale on arrival.
func (s *session) invalidate(modes ...Mode) {
	for _, m := range modes {
		if s.inFlight[m] {
			s.latest[m]++
			s.inFlight[m] = false
		}
	}
}

func (s *session) apply(ev event) {
	if to, ok := nextPhase(s.phase, ev); ok {
		s.phase = to
	}
}

// contentEdited records a content change: renders, proofreading and suggestions in
// flight become stale and the previous proofread result is dropped.
func (s *session) contentEdited() {
	s.contentRev++
	s.invalidate(ModePreview, ModeFinal, ModeProofread, ModeSuggest, ModeConvert)
	s.proofread = nil
	s.suggestion = nil
	s.apply(evEdited)
}

func (s *session) layoutEdited() {
	s.layoutRev++
	s.invalidate(ModePreview, ModeFinal, ModeSuggest)
	s.suggestion = nil
	s.apply(evEdited)
}

func (s *session) supersede(old *models.PDFArtifact) {
	if old != nil {
		s.superseded = append(s.superseded, *old)
	}
}

func (s *session) stopDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// Snapshot is a read-only copy of a session for callers.
type Snapshot struct {
	ID              string                   `json:"id"`
	State           State                    `json:"state"`
	FailedStage     apperr.Stage             `json:"failedStage,omitempty"`
	LastError       string                   `json:"lastError,omitempty"`
	Document        *models.Document         `json:"document,omitempty"`
	Layout          models.LayoutConfig      `json:"layout"`
	ContentRevision uint64                   `json:"contentRevision"`
	Preview         *models.PDFArtifact      `json:"preview,omitempty"`
	Final           *models.PDFArtifact      `json:"final,omitempty"`
	Superseded      int                      `json:"superseded"`
	Proofread       *models.ProofreadResult  `json:"proofread,omitempty"`
	Suggestion      *models.LayoutSuggestion `json:"suggestion,omitempty"`
	FontNotices     []fonts.Substitution     `json:"fontNotices,omitempty"`
	// InFlight maps each mode with an outstanding request to that request's sequence number.
	InFlight         map[Mode]uint64 `json:"inFlight,omitempty"`
	PreviewScheduled bool            `json:"previewScheduled"`
	LastActive       time.Time       `json:"lastActive"`
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.id,
		State:            s.state(),
		Layout:           s.layout.Clone(),
		ContentRevision:  s.contentRev,
		Superseded:       len(s.superseded),
		FontNotices:      append([]fonts.Substitution(nil), s.notices...),
		PreviewScheduled: s.debounce != nil,
		LastActive:       s.lastActive,
	}
	if s.phase == phaseFailed {
		snap.FailedStage = s.failedStage
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.doc != nil {
		d := *s.doc
		snap.Document = &d
	}
	if s.preview != nil {
		p := *s.preview
		snap.Preview = &p
	}
	if s.final != nil {
		f := *s.final
		snap.Final = &f
	}
	if s.proofread != nil {
		pr := *s.proofread
		pr.Spans = append([]models.HighlightSpan(nil), s.proofread.Spans...)
		snap.Proofread = &pr
	}
	if s.suggestion != nil {
		sg := *s.suggestion
		snap.Suggestion = &sg
	}
	for m, busy := range s.inFlight {
		if busy {
			if snap.InFlight == nil {
				snap.InFlight = make(map[Mode]uint64)
			}
			snap.InFlight[m] = s.latest[m]
		}
	}
	return snap
}
