// Package batch runs many fetch jobs from one file.
//
// A batch file lists themes to collect. The shape follows the extension:
//
//	themes.txt   one "theme,count" per line, # comments, count defaults to the batch default
//	themes.csv   header row with theme,count,sources,category; other columns become constraints
//	themes.json  {"jobs": [{"theme": "...", "count": 10, "sources": "archive;mirror"}]}
//	themes.yaml  same shape as JSON
//
// Every entry becomes one async.FetchJob on the shared orchestrator.
package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/async"
)

// DefaultCount is used for entries that do not name a count.
const DefaultCount = 10

// Entry is one line of a batch file.
type Entry struct {
	Theme       string            `json:"theme" yaml:"theme"`
	Count       int               `json:"count,omitempty" yaml:"count,omitempty"`
	Sources     SourceList        `json:"sources,omitempty" yaml:"sources,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Job converts the entry to a fetch request writing under outputDir.
func (e Entry) Job(outputDir string) async.FetchJob {
	return async.FetchJob{
		Theme:       e.Theme,
		Target:      e.Count,
		Sources:     e.Sources,
		Category:    e.Category,
		Constraints: e.Constraints,
		OutputDir:   outputDir,
	}
}

// SourceList accepts either a list of source names or one string separated by
// commas, semicolons or spaces. "all" and "" select every source.
type SourceList []string

// ParseSourceList splits s into source names.
func ParseSourceList(s string) SourceList {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == ' '
	})
	if len(fields) == 0 || (len(fields) == 1 && strings.EqualFold(fields[0], "all")) {
		return nil
	}
	return fields
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *SourceList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = ParseSourceList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "sources must be a string or a list of strings")
	}
	*l = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *SourceList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = ParseSourceList(value.Value)
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return errors.Wrap(err, "sources must be a string or a list of strings")
	}
	*l = list
	return nil
}

// document is the JSON and YAML shape.
type document struct {
	Jobs []Entry `json:"jobs" yaml:"jobs"`
}

// LoadFile reads a batch file. Entries without a count get defaultCount.
func LoadFile(path string, defaultCount int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read batch file %s", path)
	}

	var entries []Entry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse batch file %s", path)
		}
		entries = doc.Jobs
	case ".yaml", ".yml":
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse batch file %s", path)
		}
		entries = doc.Jobs
	case ".csv":
		entries, err = parseCSV(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse batch file %s", path)
		}
	default:
		entries, err = parseLines(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse batch file %s", path)
		}
	}

	return normalize(entries, defaultCount)
}

// parseLines reads "theme[,count]" lines.
func parseLines(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		theme, countText, _ := strings.Cut(line, ",")
		e := Entry{Theme: strings.TrimSpace(theme)}
		if countText = strings.TrimSpace(countText); countText != "" {
			n, err := strconv.Atoi(countText)
			if err != nil {
				return nil, errors.NewInvalidRequestError("line %d: count %q is not a number", lineNo, countText)
			}
			e.Count = n
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read lines")
	}
	return entries, nil
}

// parseCSV reads a header row and one entry per record. Columns other than
// theme, count, sources and category are passed to sources as constraints.
func parseCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	if !slices.Contains(header, "theme") {
		return nil, errors.NewInvalidRequestError("header must include a theme column, got %v", header)
	}

	var entries []Entry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read record")
		}
		line, _ := reader.FieldPos(0)

		var e Entry
		for i, value := range record {
			if i >= len(header) {
				break
			}
			value = strings.TrimSpace(value)
			switch col := header[i]; col {
			case "theme":
				e.Theme = value
			case "count":
				if value == "" {
					continue
				}
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, errors.NewInvalidRequestError("line %d: count %q is not a number", line, value)
				}
				e.Count = n
			case "sources":
				e.Sources = ParseSourceList(value)
			case "category":
				e.Category = value
			default:
				if value == "" || col == "" {
					continue
				}
				if e.Constraints == nil {
					e.Constraints = make(map[string]string)
				}
				e.Constraints[col] = value
			}
		}
		if strings.HasPrefix(e.Theme, "#") {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func normalize(entries []Entry, defaultCount int) ([]Entry, error) {
	if defaultCount <= 0 {
		defaultCount = DefaultCount
	}
	for i := range entries {
		e := &entries[i]
		e.Theme = strings.TrimSpace(e.Theme)
		if e.Theme == "" {
			return nil, errors.NewInvalidRequestError("entry %d has no theme", i+1)
		}
		if e.Count == 0 {
			e.Count = defaultCount
		}
		if e.Count < 0 {
			return nil, errors.NewInvalidRequestError("entry %d (%s): count must be positive, got %d", i+1, e.Theme, e.Count)
		}
	}
	if len(entries) == 0 {
		return nil, errors.NewInvalidRequestError("batch file lists no themes")
	}
	return entries, nil
}
