package ics

import (
	"strings"

	ical "github.com/arran4/golang-ical"
)

// contentLine is one logical iCalendar line together with the exact bytes
// (folds and terminators) it occupied in the source text.
type contentLine struct {
	raw      string
	unfolded string
}

func (l contentLine) name() string {
	end := strings.IndexAny(l.unfolded, ";:")
	if end < 0 {
		end = len(l.unfolded)
	}
	return strings.ToUpper(strings.TrimSpace(l.unfolded[:end]))
}

// value returns the text after the first colon outside a quoted parameter.
func (l contentLine) value() string {
	inQuote := false
	for i, r := range l.unfolded {
		switch r {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				return l.unfolded[i+1:]
			}
		}
	}
	return ""
}

func (l contentLine) is(name, value string) bool {
	return l.name() == name && strings.EqualFold(strings.TrimSpace(l.value()), value)
}

func splitContentLines(text string) []contentLine {
	var out []contentLine
	for _, phys := range strings.SplitAfter(text, "\n") {
		if phys == "" {
			continue
		}
		if (phys[0] == ' ' || phys[0] == '\t') && len(out) > 0 {
			last := &out[len(out)-1]
			last.raw += phys
			last.unfolded += trimEOL(phys)[1:]
			continue
		}
		out = append(out, contentLine{raw: phys, unfolded: trimEOL(phys)})
	}
	return out
}

func joinContentLines(lines []contentLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.raw)
	}
	return b.String()
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// detectEOL returns the line terminator used by text, CRLF when unknown.
func detectEOL(text string) string {
	if i := strings.IndexByte(text, '\n'); i > 0 && text[i-1] != '\r' {
		return "\n"
	}
	return "\r\n"
}

// renderProperty serializes and folds a single property line.
func renderProperty(name, value string, params []ical.PropertyParameter, eol string) (contentLine, error) {
	prop := ical.BaseProperty{
		IANAToken:      name,
		Value:          value,
		ICalParameters: map[string][]string{},
	}
	for _, p := range params {
		k, v := p.KeyValue()
		prop.ICalParameters[k] = v
	}

	var b strings.Builder
	err := prop.SerializeTo(&b, &ical.SerializationConfiguration{
		MaxLength:         75,
		PropertyMaxLength: 75,
		NewLine:           eol,
	})
	if err != nil {
		return contentLine{}, err
	}
	lines := splitContentLines(b.String())
	if len(lines) != 1 {
		return contentLine{}, &PatchError{Field: strings.ToLower(name), Reason: "rendered to an unexpected shape"}
	}
	return lines[0], nil
}

// eventBlock edits the top-level properties of one VEVENT in place. Nested
// components such as VALARM are never touched.
type eventBlock struct {
	lines []contentLine
	begin int
	eol   string
}

// locateMaster finds the VEVENT that Parse treats as the master.
func locateMaster(lines []contentLine, eol string) (*eventBlock, bool) {
	first := -1
	for i, l := range lines {
		if !l.is("BEGIN", "VEVENT") {
			continue
		}
		if first < 0 {
			first = i
		}
		b := &eventBlock{lines: lines, begin: i, eol: eol}
		if idx, _ := b.scan(string(ical.ComponentPropertyRecurrenceId)); len(idx) == 0 {
			return b, true
		}
	}
	if first < 0 {
		return nil, false
	}
	return &eventBlock{lines: lines, begin: first, eol: eol}, true
}

// scan returns the indexes of top-level properties called name and the index
// of the closing END:VEVENT.
func (b *eventBlock) scan(name string) ([]int, int) {
	var idx []int
	depth := 0
	for i := b.begin + 1; i < len(b.lines); i++ {
		l := b.lines[i]
		switch l.name() {
		case "BEGIN":
			depth++
			continue
		case "END":
			if depth == 0 {
				return idx, i
			}
			depth--
			continue
		}
		if depth == 0 && l.name() == name {
			idx = append(idx, i)
		}
	}
	return idx, len(b.lines)
}

func (b *eventBlock) has(name string) bool {
	idx, _ := b.scan(name)
	return len(idx) > 0
}

// set replaces the first occurrence of name and drops any duplicates, or
// appends the property before END:VEVENT when it is absent.
func (b *eventBlock) set(name, value string, params ...ical.PropertyParameter) error {
	line, err := renderProperty(name, value, params, b.eol)
	if err != nil {
		return err
	}
	idx, end := b.scan(name)
	if len(idx) == 0 {
		b.insert(end, line)
		return nil
	}
	b.lines[idx[0]] = line
	for i := len(idx) - 1; i > 0; i-- {
		b.delete(idx[i])
	}
	return nil
}

func (b *eventBlock) remove(name string) {
	idx, _ := b.scan(name)
	for i := len(idx) - 1; i >= 0; i-- {
		b.delete(idx[i])
	}
}

func (b *eventBlock) insert(at int, l contentLine) {
	b.lines = append(b.lines, contentLine{})
	copy(b.lines[at+1:], b.lines[at:])
	b.lines[at] = l
}

func (b *eventBlock) delete(at int) {
	b.lines = append(b.lines[:at], b.lines[at+1:]...)
}

func (b *eventBlock) text() string {
	return joinContentLines(b.lines)
}
