package gherkin

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseError reports a malformed feature file.
type ParseError struct {
	Resource string
	Line     int
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Resource, e.Line, e.Msg)
}

// Read parses the text of a feature file. resource is used only for error
// messages and Feature.Resource.
func Read(resource string, r io.Reader) (*Feature, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	p := &parser{resource: resource, sc: sc}
	return p.parse()
}

type parser struct {
	resource string
	sc       *bufio.Scanner
	line     int
	pending  []Tag // tags collected on lines preceding a Feature/Scenario/Examples header
	peeked   *rawLine
}

type rawLine struct {
	line int
	text string
}

func (p *parser) next() (*rawLine, bool) {
	if p.peeked != nil {
		rl := p.peeked
		p.peeked = nil
		return rl, true
	}
	for p.sc.Scan() {
		p.line++
		text := p.sc.Text()
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return &rawLine{line: p.line, text: trimmed}, true
	}
	return nil, false
}

func (p *parser) unread(rl *rawLine) {
	p.peeked = rl
}

func (p *parser) parse() (*Feature, error) {
	f := &Feature{Resource: p.resource}

	for {
		rl, ok := p.next()
		if !ok {
			return nil, &ParseError{Resource: p.resource, Line: p.line, Msg: "missing Feature: header"}
		}
		if strings.HasPrefix(rl.text, "@") {
			p.pending = append(p.pending, parseTags(rl.text)...)
			continue
		}
		if strings.HasPrefix(rl.text, "Feature:") {
			f.Name = strings.TrimSpace(strings.TrimPrefix(rl.text, "Feature:"))
			f.Tags = p.pending
			p.pending = nil
			break
		}
		return nil, &ParseError{Resource: p.resource, Line: rl.line, Msg: "expected Feature:, got " + rl.text}
	}

	for {
		rl, ok := p.next()
		if !ok {
			return f, nil
		}

		switch {
		case strings.HasPrefix(rl.text, "@"):
			p.pending = append(p.pending, parseTags(rl.text)...)

		case strings.HasPrefix(rl.text, "Background:"):
			steps, err := p.readSteps()
			if err != nil {
				return nil, err
			}
			f.Background = steps

		case strings.HasPrefix(rl.text, "Scenario Outline:"), strings.HasPrefix(rl.text, "Scenario Template:"):
			name := strings.TrimSpace(afterColon(rl.text))
			sec, err := p.readOutline(name, rl.line)
			if err != nil {
				return nil, err
			}
			f.Sections = append(f.Sections, *sec)

		case strings.HasPrefix(rl.text, "Scenario:"):
			name := strings.TrimSpace(strings.TrimPrefix(rl.text, "Scenario:"))
			tags := p.pending
			p.pending = nil
			steps, err := p.readSteps()
			if err != nil {
				return nil, err
			}
			f.Sections = append(f.Sections, Section{Name: name, Line: rl.line, Tags: tags, Steps: steps})

		default:
			return nil, &ParseError{Resource: p.resource, Line: rl.line, Msg: "unexpected line: " + rl.text}
		}
	}
}

func afterColon(s string) string {
	i := strings.Index(s, ":")
	if i < 0 {
		return s
	}
	return s[i+1:]
}

func (p *parser) readOutline(name string, line int) (*Section, error) {
	tags := p.pending
	p.pending = nil

	steps, err := p.readSteps()
	if err != nil {
		return nil, err
	}
	sec := &Section{Name: name, Line: line, Tags: tags, Steps: steps, IsOutline: true}

	for {
		rl, ok := p.next()
		if !ok {
			return sec, nil
		}
		if strings.HasPrefix(rl.text, "@") {
			p.pending = append(p.pending, parseTags(rl.text)...)
			continue
		}
		if !strings.HasPrefix(rl.text, "Examples:") {
			p.unread(rl)
			return sec, nil
		}
		exTags := p.pending
		p.pending = nil
		table, err := p.readTable()
		if err != nil {
			return nil, err
		}
		if len(table) == 0 {
			return nil, &ParseError{Resource: p.resource, Line: rl.line, Msg: "Examples: with no rows"}
		}
		sec.Examples = append(sec.Examples, ExamplesTable{
			Tags:   exTags,
			Line:   rl.line,
			Header: table[0],
			Rows:   table[1:],
		})
	}
}

func (p *parser) readSteps() ([]Step, error) {
	var steps []Step
	for {
		rl, ok := p.next()
		if !ok {
			return steps, nil
		}
		kw, rest, isStep := splitKeyword(rl.text)
		if !isStep {
			p.unread(rl)
			return steps, nil
		}
		step := Step{Keyword: kw, Text: rest, Line: rl.line}

		// Optional immediately-following data table.
		table, consumed, err := p.maybeTable()
		if err != nil {
			return nil, err
		}
		if consumed {
			step.Table = table
		}
		steps = append(steps, step)
	}
}

func (p *parser) maybeTable() ([][]string, bool, error) {
	rl, ok := p.next()
	if !ok {
		return nil, false, nil
	}
	if !strings.HasPrefix(rl.text, "|") {
		p.unread(rl)
		return nil, false, nil
	}
	p.unread(rl)
	table, err := p.readTable()
	return table, true, err
}

func (p *parser) readTable() ([][]string, error) {
	var rows [][]string
	for {
		rl, ok := p.next()
		if !ok {
			return rows, nil
		}
		if !strings.HasPrefix(rl.text, "|") {
			p.unread(rl)
			return rows, nil
		}
		rows = append(rows, splitRow(rl.text))
	}
}

func splitRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	out := make([]string, len(parts))
	for i, c := range parts {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

var stepKeywords = []StepKeyword{KeywordGiven, KeywordWhen, KeywordThen, KeywordAnd, KeywordBut, KeywordStar}

func splitKeyword(text string) (StepKeyword, string, bool) {
	for _, kw := range stepKeywords {
		prefix := string(kw)
		if prefix == "*" {
			if strings.HasPrefix(text, "* ") {
				return kw, strings.TrimSpace(text[2:]), true
			}
			continue
		}
		if strings.HasPrefix(text, prefix+" ") {
			return kw, strings.TrimSpace(text[len(prefix)+1:]), true
		}
	}
	return "", "", false
}

func parseTags(line string) []Tag {
	var tags []Tag
	for _, f := range strings.Fields(line) {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		body := strings.TrimPrefix(f, "@")
		if i := strings.Index(body, "="); i >= 0 {
			tags = append(tags, Tag{Name: body[:i], Value: body[i+1:]})
		} else {
			tags = append(tags, Tag{Name: body})
		}
	}
	return tags
}
