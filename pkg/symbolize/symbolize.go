// Package symbolize resolves a static code address to the ordered
// chain of source-level frames (including inlined callees) that occupy
// it, falling back to the ELF symbol table when no DWARF entry covers
// the address, and finally to a "Name unknown" sentinel.
//
// The inline-chain walk descends subprogram + DW_TAG_inlined_subroutine
// entries, resolves names through DW_AT_abstract_origin, and attributes
// call sites through DW_AT_call_file/DW_AT_call_line. The ELF
// symbol-table fallback demangles and strips a compiler-generated hash
// suffix before returning a name.
package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"io"
	"regexp"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ianlancetaylor/demangle"

	"github.com/go-delve/backtrace/pkg/logflags"
)

// UnknownName is the sentinel used when neither DWARF nor the ELF
// symbol table resolves an address.
const UnknownName = "Name unknown"

// Symbol is one resolved source-level frame. Name/File are empty and
// Line is 0 when the corresponding DWARF/symbol attribute was absent.
type Symbol struct {
	Name string
	File string
	Line int
}

const cacheSize = 2048

// Symbolizer resolves static addresses against one ELF object's DWARF
// and symbol-table data. It is safe for concurrent use.
type Symbolizer struct {
	dw      *dwarf.Data
	symbols []elf.Symbol

	mu          sync.Mutex
	built       bool
	subprograms []subprogramRange
	lineTables  map[dwarf.Offset][]lineEntry
	fileTables  map[dwarf.Offset][]string
	cache       *lru.Cache
}

type subprogramRange struct {
	low, high uint64
	cu        *dwarf.Entry
	entry     *dwarf.Entry
	inlines   []*dwarf.Entry
}

type lineEntry struct {
	addr uint64
	file string
	line int
}

// New constructs a Symbolizer over the given DWARF data (nil if the
// binary carries none) and ELF symbol table (nil if stripped).
func New(dw *dwarf.Data, symbols []elf.Symbol) *Symbolizer {
	cache, _ := lru.New(cacheSize)
	return &Symbolizer{dw: dw, symbols: symbols, cache: cache}
}

// Symbolize resolves ipStatic to the non-empty, outermost-to-innermost
// sequence of symbols occupying it.
//
// ipStatic is expected to already be the call-instruction address: a
// raw return address points one byte past the CALL that produced it,
// so callers working from a saved return address subtract 1 before
// calling this.
func (s *Symbolizer) Symbolize(ipStatic uint64) ([]Symbol, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(ipStatic); ok {
			return v.([]Symbol), nil
		}
	}

	syms := s.symbolizeDWARF(ipStatic)
	if len(syms) == 0 {
		if sym, ok := s.symbolizeELF(ipStatic); ok {
			syms = []Symbol{sym}
		}
	}
	if len(syms) == 0 {
		syms = []Symbol{{Name: UnknownName}}
	}

	if s.cache != nil {
		s.cache.Add(ipStatic, syms)
	}
	return syms, nil
}

func (s *Symbolizer) symbolizeDWARF(ipStatic uint64) []Symbol {
	if s.dw == nil {
		return nil
	}
	// Held for the whole lookup: callSite and lineFor fill the
	// fileTables/lineTables maps lazily.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.built {
		s.build()
		s.built = true
	}
	subprograms := s.subprograms

	i := sort.Search(len(subprograms), func(i int) bool { return subprograms[i].high > ipStatic })
	if i == len(subprograms) || subprograms[i].low > ipStatic || ipStatic >= subprograms[i].high {
		return nil
	}
	sp := subprograms[i]

	chain := append([]*dwarf.Entry{sp.entry}, sp.inlines...)
	symbols := make([]Symbol, len(chain))
	for k, e := range chain {
		name := s.resolveName(e)
		symbols[k].Name = demangleName(name)
	}

	for k := 0; k < len(chain)-1; k++ {
		callee := chain[k+1]
		file, line := s.callSite(sp.cu, callee)
		symbols[k].File = file
		symbols[k].Line = line
	}

	file, line := s.lineFor(sp.cu, ipStatic)
	symbols[len(symbols)-1].File = file
	symbols[len(symbols)-1].Line = line

	return symbols
}

// build walks every compile unit once, collecting each subprogram's PC
// range and full inline-call chain, recursing into nested
// inlined_subroutine entries since native compilers routinely emit more
// than one level of inlining.
func (s *Symbolizer) build() {
	s.lineTables = make(map[dwarf.Offset][]lineEntry)
	s.fileTables = make(map[dwarf.Offset][]string)
	r := s.dw.Reader()
	var cu *dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == 0 {
			continue
		}
		if e.Tag == dwarf.TagCompileUnit {
			cu = e
			continue
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		ranges, rerr := s.dw.Ranges(e)
		if rerr != nil || len(ranges) == 0 {
			if e.Children {
				r.SkipChildren()
			}
			continue
		}
		inlines, _ := collectInlines(r, e.Children)
		low, high := ranges[0][0], ranges[0][1]
		if high > low {
			s.subprograms = append(s.subprograms, subprogramRange{
				low: low, high: high, cu: cu, entry: e, inlines: inlines,
			})
		}
	}
	sort.Slice(s.subprograms, func(i, j int) bool { return s.subprograms[i].low < s.subprograms[j].low })
}

// collectInlines reads every descendant of the entry whose children are
// about to be read (hasChildren), collecting DW_TAG_inlined_subroutine
// entries in outer-to-inner order and skipping everything else,
// recursing into an inline's own children to capture further nesting.
func collectInlines(r *dwarf.Reader, hasChildren bool) ([]*dwarf.Entry, error) {
	if !hasChildren {
		return nil, nil
	}
	var result []*dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil {
			return result, err
		}
		if e == nil || e.Tag == 0 {
			break
		}
		if e.Tag == dwarf.TagInlinedSubroutine {
			result = append(result, e)
			nested, err := collectInlines(r, e.Children)
			if err != nil && !errors.Is(err, io.EOF) {
				return result, err
			}
			result = append(result, nested...)
			continue
		}
		if e.Children {
			if err := r.SkipChildren(); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// resolveName walks DW_AT_abstract_origin references to find the
// entry that actually carries DW_AT_name, the way debuggers resolve
// the name of an out-of-line or inlined instance back to its
// definition.
func (s *Symbolizer) resolveName(e *dwarf.Entry) string {
	seen := 0
	for {
		if name, ok := e.Val(dwarf.AttrName).(string); ok && name != "" {
			return name
		}
		off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			return ""
		}
		seen++
		if seen > 32 {
			return "" // defend against malformed circular references
		}
		r := s.dw.Reader()
		r.Seek(off)
		next, err := r.Next()
		if err != nil || next == nil {
			return ""
		}
		e = next
	}
}

// callSite returns the file and line recorded on a
// DW_TAG_inlined_subroutine entry's DW_AT_call_file/DW_AT_call_line —
// the location, in the enclosing frame, where that inlined call
// happened.
func (s *Symbolizer) callSite(cu *dwarf.Entry, inlineEntry *dwarf.Entry) (string, int) {
	line, _ := inlineEntry.Val(dwarf.AttrCallLine).(int64)
	fileIdx, ok := inlineEntry.Val(dwarf.AttrCallFile).(int64)
	if !ok {
		return "", int(line)
	}
	return s.fileName(cu, fileIdx), int(line)
}

// fileName resolves a DW_AT_call_file/DW_AT_decl_file index against
// the compile unit's line-number program file table, the same table
// lineFor walks to attribute an address to a file.
func (s *Symbolizer) fileName(cu *dwarf.Entry, fileIdx int64) string {
	if cu == nil || fileIdx < 0 {
		return ""
	}
	files, ok := s.fileTables[cu.Offset]
	if !ok {
		files = s.buildFileTable(cu)
		s.fileTables[cu.Offset] = files
	}
	if int(fileIdx) >= len(files) {
		return ""
	}
	return files[fileIdx]
}

func (s *Symbolizer) buildFileTable(cu *dwarf.Entry) []string {
	lr, err := s.dw.LineReader(cu)
	if err != nil || lr == nil {
		return nil
	}
	lfiles := lr.Files()
	out := make([]string, len(lfiles))
	for i, lf := range lfiles {
		if lf != nil {
			out[i] = lf.Name
		}
	}
	return out
}

// lineFor resolves the source file and line that contains ipStatic,
// using the compile unit's line-number program. It returns the entry
// whose address is the greatest one not exceeding ipStatic: an exact
// address match is rare, and the preceding line-table row is the one
// that covers the instruction.
func (s *Symbolizer) lineFor(cu *dwarf.Entry, ipStatic uint64) (string, int) {
	if cu == nil {
		return "", 0
	}
	lines, ok := s.lineTables[cu.Offset]
	if !ok {
		lines = s.buildLineTable(cu)
		s.lineTables[cu.Offset] = lines
	}
	if len(lines) == 0 {
		return "", 0
	}
	i := sort.Search(len(lines), func(i int) bool { return lines[i].addr > ipStatic })
	if i == 0 {
		return "", 0
	}
	l := lines[i-1]
	return l.file, l.line
}

func (s *Symbolizer) buildLineTable(cu *dwarf.Entry) []lineEntry {
	lr, err := s.dw.LineReader(cu)
	if err != nil || lr == nil {
		return nil
	}
	var out []lineEntry
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logflags.UnwindLogger().Debugf("symbolize: line table read error: %v", err)
			break
		}
		if le.File == nil {
			continue
		}
		out = append(out, lineEntry{addr: le.Address, file: le.File.Name, line: le.Line})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// symbolizeELF finds the nearest ELF symbol whose range contains
// ipStatic, demangles it, and strips a trailing compiler-generated
// "::<16 hex digit>" uniqueness suffix.
func (s *Symbolizer) symbolizeELF(ipStatic uint64) (Symbol, bool) {
	var best *elf.Symbol
	for i := range s.symbols {
		sym := &s.symbols[i]
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if sym.Value <= ipStatic && ipStatic < sym.Value+sym.Size {
			if best == nil || sym.Value > best.Value {
				best = sym
			}
		}
	}
	if best == nil {
		return Symbol{}, false
	}
	name := demangleName(best.Name)
	name = stripHashSuffix(name)
	return Symbol{Name: name}, true
}

var hashSuffixRE = regexp.MustCompile(`::[0-9a-f]{16}$`)

func stripHashSuffix(name string) string {
	return hashSuffixRE.ReplaceAllString(name, "")
}

func demangleName(name string) string {
	if name == "" {
		return name
	}
	return demangle.Filter(name)
}
