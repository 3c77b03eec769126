package domain

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TrackQuery asks for tracks across collections. Empty fields match
// anything; Origin narrows the search to one collection.
type TrackQuery struct {
	Artist string `json:"artist,omitempty"`
	Title  string `json:"title,omitempty"`
	Album  string `json:"album,omitempty"`
	Origin string `json:"origin,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (q TrackQuery) Empty() bool {
	return strings.TrimSpace(q.Artist+q.Title+q.Album) == ""
}

type ResolveResult struct {
	Origin string  `json:"origin"`
	Track  Track   `json:"track"`
	Score  float64 `json:"score"`
}

// MinScore is the lowest score a resolve result may carry.
const MinScore = 0.6

// Normalize folds case, strips diacritics, and collapses punctuation and
// whitespace so "Beyoncé – Halo" and "beyonce halo" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.Join(fields, " ")
}

func fieldScore(want, have string) (float64, bool) {
	w := Normalize(want)
	if w == "" {
		return 0, false
	}
	h := Normalize(have)
	switch {
	case w == h:
		return 1, true
	case h != "" && (strings.Contains(h, w) || strings.Contains(w, h)):
		return 0.75, true
	}
	wantTokens := strings.Fields(w)
	haveTokens := map[string]bool{}
	for _, tok := range strings.Fields(h) {
		haveTokens[tok] = true
	}
	hits := 0
	for _, tok := range wantTokens {
		if haveTokens[tok] {
			hits++
		}
	}
	return 0.5 * float64(hits) / float64(len(wantTokens)), true
}

// Score rates how well track answers q, from 0 to 1. It averages over the
// fields q specifies.
func Score(q TrackQuery, track Track) float64 {
	total, fields := 0.0, 0
	for _, pair := range [][2]string{{q.Title, track.Title}, {q.Artist, track.Artist}, {q.Album, track.Album}} {
		if s, ok := fieldScore(pair[0], pair[1]); ok {
			total += s
			fields++
		}
	}
	if fields == 0 {
		return 0
	}
	return total / float64(fields)
}

// Match scores every track of the given collections and returns the results
// above MinScore, best first.
func Match(q TrackQuery, collections []Collection) []ResolveResult {
	var out []ResolveResult
	for _, c := range collections {
		if q.Origin != "" && c.Origin != q.Origin {
			continue
		}
		for _, track := range c.Tracks {
			if score := Score(q, track); score >= MinScore {
				out = append(out, ResolveResult{Origin: c.Origin, Track: track, Score: score})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].Track.ID < out[j].Track.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
