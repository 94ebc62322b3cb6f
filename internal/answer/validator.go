package answer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	numberedMarker = regexp.MustCompile(`(?i)\[(?:source|doc)?\s*(\d+(?:\s*,\s*\d+)*)\]`)
	chunkMarker    = regexp.MustCompile(`\[chunk:\s*([^\]\s]+)\s*\]`)
)

// ValidationMismatch is a marker in the answer with no matching passage.
type ValidationMismatch struct {
	Marker string `json:"marker"`
}

func (m ValidationMismatch) Error() string {
	return fmt.Sprintf("citation %s does not match any source", m.Marker)
}

// Validation is the outcome of checking an answer against its context.
type Validation struct {
	// Sources are the citations the answer references, in order of first
	// reference. When the answer has no markers at all, every citation.
	Sources    []Citation
	Mismatches []ValidationMismatch
	// Cited reports whether the answer contained any marker.
	Cited bool
}

// Validate checks the citation markers of answer against ctx. Recognized forms
// are [n], [n, m], [Source n], [Doc n] and [chunk:<id>]. The answer text is
// never changed; markers that point nowhere are reported as mismatches and
// contribute no source.
func Validate(answer string, ctx Context) Validation {
	byMarker := make(map[int]Citation, len(ctx.Citations))
	byChunk := make(map[string]Citation, len(ctx.Citations))
	for _, c := range ctx.Citations {
		byMarker[c.Marker] = c
		byChunk[c.ChunkID] = c
	}

	type ref struct {
		pos      int
		marker   string
		citation Citation
		ok       bool
	}
	var refs []ref

	for _, m := range numberedMarker.FindAllStringSubmatchIndex(answer, -1) {
		for _, part := range strings.Split(answer[m[2]:m[3]], ",") {
			part = strings.TrimSpace(part)
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			c, ok := byMarker[n]
			refs = append(refs, ref{pos: m[0], marker: "[" + part + "]", citation: c, ok: ok})
		}
	}
	for _, m := range chunkMarker.FindAllStringSubmatchIndex(answer, -1) {
		id := answer[m[2]:m[3]]
		c, ok := byChunk[id]
		refs = append(refs, ref{pos: m[0], marker: "[chunk:" + id + "]", citation: c, ok: ok})
	}

	if len(refs) == 0 {
		return Validation{Sources: append([]Citation(nil), ctx.Citations...)}
	}

	// Order of first appearance in the text.
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].pos < refs[j].pos })

	v := Validation{Cited: true}
	usedSource := make(map[int]bool)
	usedMismatch := make(map[string]bool)
	for _, r := range refs {
		if !r.ok {
			if !usedMismatch[r.marker] {
				usedMismatch[r.marker] = true
				v.Mismatches = append(v.Mismatches, ValidationMismatch{Marker: r.marker})
			}
			continue
		}
		if !usedSource[r.citation.Marker] {
			usedSource[r.citation.Marker] = true
			v.Sources = append(v.Sources, r.citation)
		}
	}
	if v.Sources == nil {
		v.Sources = []Citation{}
	}
	return v
}
