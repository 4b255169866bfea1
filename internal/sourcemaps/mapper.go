// Package sourcemaps translates between original-source positions and
// compiled-output positions, and recovers original symbol names, from the
// source map attached to a compiled script.
//
// Compiled-to-original queries go through github.com/go-sourcemap/sourcemap.
// That library has no original-to-compiled API, so this package decodes the
// map's VLQ "mappings" field once into a reverse index for ToCompiled.
//
// Lines are 1-based and columns are 0-based at this package's boundary,
// matching pkg/types.
package sourcemaps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	gosourcemap "github.com/go-sourcemap/sourcemap"

	"github.com/tdewey/webdbg/pkg/types"
)

// Mapper is the bidirectional location and symbol table for one compiled
// script.
type Mapper interface {
	// ToCompiled returns every compiled location the original position maps
	// to. A column of 0 matches the whole line. The result is the full set;
	// callers installing breakpoints must install at all of them.
	ToCompiled(source string, line, col int) []types.Location

	// ToOriginal maps a compiled position back to the original source.
	ToOriginal(line, col int) (types.Location, bool)

	// SymbolAt returns the original name recorded at a compiled position.
	SymbolAt(line, col int) (string, bool)

	// Sources lists the original source URLs covered by the map.
	Sources() []string
}

// MapProvider fetches the raw source map for a compiled script. It is the
// boundary to the external asset server; implementations typically issue an
// HTTP request for the map named in the script's sourceMappingURL.
type MapProvider interface {
	SourceMap(ctx context.Context, compiledURL, sourceMapURL string) ([]byte, error)
}

// rawMap is the subset of the source map format the reverse index needs.
type rawMap struct {
	Version    int      `json:"version"`
	Sources    []string `json:"sources"`
	SourceRoot string   `json:"sourceRoot"`
	Names      []string `json:"names"`
	Mappings   string   `json:"mappings"`
}

type mapper struct {
	compiledURL string
	consumer    *gosourcemap.Consumer
	sources     []string
	// reverse maps "<resolved source>\x00<1-based line>" to the compiled
	// locations emitted for that original line, ordered by position.
	reverse map[string][]revEntry
}

type revEntry struct {
	srcCol int // 0-based original column
	loc    types.Location
}

// New builds a Mapper for compiledURL from raw source map bytes.
func New(compiledURL string, data []byte) (Mapper, error) {
	consumer, err := gosourcemap.Parse("", data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source map for %s: %w", compiledURL, err)
	}

	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode source map for %s: %w", compiledURL, err)
	}

	segs, err := decodeMappings(raw.Mappings)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mappings for %s: %w", compiledURL, err)
	}

	m := &mapper{
		compiledURL: compiledURL,
		consumer:    consumer,
		reverse:     make(map[string][]revEntry),
	}

	seen := make(map[string]bool)
	for _, src := range raw.Sources {
		resolved := resolveSource(raw.SourceRoot, src)
		if !seen[resolved] {
			seen[resolved] = true
			m.sources = append(m.sources, resolved)
		}
	}

	for _, seg := range segs {
		if seg.srcIdx < 0 || seg.srcIdx >= len(raw.Sources) {
			continue
		}
		src := resolveSource(raw.SourceRoot, raw.Sources[seg.srcIdx])
		key := revKey(src, seg.srcLine+1)
		m.reverse[key] = append(m.reverse[key], revEntry{
			srcCol: seg.srcCol,
			loc: types.Location{
				URL:    compiledURL,
				Line:   seg.genLine + 1,
				Column: seg.genCol,
			},
		})
	}
	for _, entries := range m.reverse {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].loc.Line != entries[j].loc.Line {
				return entries[i].loc.Line < entries[j].loc.Line
			}
			return entries[i].loc.Column < entries[j].loc.Column
		})
	}

	return m, nil
}

func revKey(source string, line int) string {
	return source + "\x00" + fmt.Sprint(line)
}

// resolveSource joins a sourceRoot with a source entry the way consumers do.
func resolveSource(root, src string) string {
	if root == "" {
		return src
	}
	return strings.TrimSuffix(root, "/") + "/" + src
}

func (m *mapper) ToCompiled(source string, line, col int) []types.Location {
	entries := m.reverse[revKey(source, line)]
	if len(entries) == 0 {
		return nil
	}

	var picked []revEntry
	if col > 0 {
		for _, e := range entries {
			if e.srcCol == col {
				picked = append(picked, e)
			}
		}
	}
	if len(picked) == 0 {
		picked = entries
	}

	// One original line can legitimately fan out to several compiled
	// locations (inlining, multiple statements). Return the full set,
	// deduplicated.
	var out []types.Location
	seen := make(map[types.Location]bool)
	for _, e := range picked {
		if !seen[e.loc] {
			seen[e.loc] = true
			out = append(out, e.loc)
		}
	}
	return out
}

func (m *mapper) ToOriginal(line, col int) (types.Location, bool) {
	source, _, origLine, origCol, ok := m.consumer.Source(line, col)
	if !ok || source == "" {
		return types.Location{}, false
	}
	return types.Location{URL: source, Line: origLine, Column: origCol}, true
}

func (m *mapper) SymbolAt(line, col int) (string, bool) {
	_, name, _, _, ok := m.consumer.Source(line, col)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (m *mapper) Sources() []string {
	return m.sources
}

// identity is the mapper for scripts without a source map: original and
// compiled coordinates coincide and no symbol renaming happened.
type identity struct {
	url string
}

// NewIdentity returns the identity Mapper for a script without a map.
func NewIdentity(url string) Mapper {
	return identity{url: url}
}

func (m identity) ToCompiled(source string, line, col int) []types.Location {
	if source != m.url {
		return nil
	}
	return []types.Location{{URL: m.url, Line: line, Column: col}}
}

func (m identity) ToOriginal(line, col int) (types.Location, bool) {
	return types.Location{URL: m.url, Line: line, Column: col}, true
}

func (m identity) SymbolAt(line, col int) (string, bool) {
	return "", false
}

func (m identity) Sources() []string {
	return []string{m.url}
}
