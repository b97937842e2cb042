package history

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"promptstudio/internal/domain"
)

var videoExtensions = []string{".mp4", ".webm", ".mov", ".m4v"}

// IsVideoValue normalizes the loose is_video representation to a strict
// boolean. Rows written by earlier portal clients carried it as a boolean,
// a string or a number; this is applied once at the storage-read boundary
// and never re-inspected downstream.
func IsVideoValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "t" || s == "yes"
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

// Reconcile produces the deduplicated, time-ordered history view. The view
// is recomputed fully from its input on every call, never maintained
// incrementally.
func Reconcile(rows []domain.HistoryRow) []domain.HistoryItem {
	normalized := make([]domain.HistoryItem, 0, len(rows))
	for _, row := range rows {
		normalized = append(normalized, normalize(row))
	}

	// Stage 1: first-seen per id. Rows without a usable id, or whose id was
	// already claimed, fall through to the URL stage.
	seenIDs := make(map[string]struct{}, len(normalized))
	seenURLs := make(map[string]struct{}, len(normalized))
	kept := make([]domain.HistoryItem, 0, len(normalized))
	var leftovers []domain.HistoryItem
	for _, item := range normalized {
		if item.ID == "" {
			leftovers = append(leftovers, item)
			continue
		}
		if _, dup := seenIDs[item.ID]; dup {
			leftovers = append(leftovers, item)
			continue
		}
		seenIDs[item.ID] = struct{}{}
		seenURLs[stripQuery(item.ImageURL)] = struct{}{}
		kept = append(kept, item)
	}

	// Stage 2: first-seen per query-stripped URL among the leftovers.
	for _, item := range leftovers {
		key := stripQuery(item.ImageURL)
		if _, dup := seenURLs[key]; dup {
			continue
		}
		seenURLs[key] = struct{}{}
		kept = append(kept, item)
	}

	// Stage 3: per base path, keep only the most recently created item.
	// This collapses source/output pairs of the same generation.
	latest := make(map[string]domain.HistoryItem, len(kept))
	for _, item := range kept {
		key := basePath(item.ImageURL)
		prev, ok := latest[key]
		if !ok || item.CreatedAt.After(prev.CreatedAt) {
			latest[key] = item
		}
	}

	out := make([]domain.HistoryItem, 0, len(latest))
	for _, item := range latest {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func normalize(row domain.HistoryRow) domain.HistoryItem {
	item := domain.HistoryItem{
		ID:        strings.TrimSpace(row.ID),
		ImageURL:  strings.TrimSpace(row.URL),
		Prompt:    row.Prompt,
		Style:     row.Style,
		Ratio:     row.Ratio,
		Workflow:  strings.TrimSpace(row.Workflow),
		CreatedAt: row.CreatedAt,
	}
	item.IsVideo = IsVideoValue(row.IsVideo) || hasVideoExtension(item.ImageURL)
	if item.IsVideo {
		item.Workflow = domain.WorkflowVideo
	} else if isPlaceholderWorkflow(item.Workflow) {
		item.Workflow = domain.WorkflowNoReference
	}
	return item
}

func isPlaceholderWorkflow(w string) bool {
	switch strings.ToLower(w) {
	case "", "-", "none", "null", "undefined":
		return true
	}
	return false
}

func hasVideoExtension(url string) bool {
	u := strings.ToLower(stripQuery(url))
	for _, ext := range videoExtensions {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// basePath strips the source/output filename suffixes so both halves of a
// generation pair land in the same group.
func basePath(url string) string {
	u := stripQuery(url)
	lower := strings.ToLower(u)
	for _, ext := range []string{".jpg", ".jpeg"} {
		if strings.HasSuffix(lower, ext) {
			u = u[:len(u)-len(ext)]
			lower = strings.ToLower(u)
			break
		}
	}
	for _, suffix := range []string{"_source", "_output"} {
		if strings.HasSuffix(lower, suffix) {
			u = u[:len(u)-len(suffix)]
			break
		}
	}
	return u
}

// ItemID returns the identifier download links address an item by. Rows that
// reached the view without a storage id are keyed by a digest of their
// query-stripped URL, so every listed item stays downloadable. The digest is
// stable across refreshes because signed query parameters are stripped first.
func ItemID(item domain.HistoryItem) string {
	if item.ID != "" {
		return item.ID
	}
	sum := sha256.Sum256([]byte(stripQuery(item.ImageURL)))
	return "u-" + hex.EncodeToString(sum[:8])
}

var workflowCaser = cases.Title(language.English)

// WorkflowDisplayName renders a workflow label for the portal UI.
func WorkflowDisplayName(workflow string) string {
	workflow = strings.TrimSpace(workflow)
	if workflow == "" {
		workflow = domain.WorkflowNoReference
	}
	return workflowCaser.String(strings.ReplaceAll(workflow, "-", " "))
}
