// Package params parses the loader's plain-text boot parameter file.
package params

import "github.com/smallkirby/norn-sub003/kernel"

var (
	errMissingSeparator = &kernel.Error{Module: "params", Message: "line is missing a '=' separator"}
	errEmptyKey         = &kernel.Error{Module: "params", Message: "line has an empty key"}
	errUnknownKey       = &kernel.Error{Module: "params", Message: "unrecognized parameter key"}
)

// BootParams holds the parsed loader-time options. The zero value is the
// default parameter set.
type BootParams struct {
	// Cmdline is the kernel command line, passed through to the kernel
	// unmodified. Empty when the parameter file does not set it.
	Cmdline string
}

// Parse decodes a parameter blob of KEY=VALUE lines. Blank lines and lines
// starting with '#' are ignored; surrounding whitespace of a line is trimmed
// before parsing. Values are taken verbatim, so "CMDLINE=" yields an empty
// string rather than an absent value. Any malformed or unrecognized line
// fails the whole parse.
func Parse(data []byte) (BootParams, *kernel.Error) {
	var p BootParams

	for start := 0; start < len(data); {
		end := start
		for end < len(data) && data[end] != '\n' {
			end++
		}

		if err := parseLine(&p, trim(data[start:end])); err != nil {
			return BootParams{}, err
		}
		start = end + 1
	}

	return p, nil
}

func parseLine(p *BootParams, line []byte) *kernel.Error {
	if len(line) == 0 || line[0] == '#' {
		return nil
	}

	sep := -1
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			sep = i
			break
		}
	}
	switch sep {
	case -1:
		return errMissingSeparator
	case 0:
		return errEmptyKey
	}

	key, value := line[:sep], line[sep+1:]
	if string(key) != "CMDLINE" {
		return errUnknownKey
	}

	p.Cmdline = string(value)
	return nil
}

func trim(line []byte) []byte {
	start, end := 0, len(line)
	for start < end && isSpace(line[start]) {
		start++
	}
	for end > start && isSpace(line[end-1]) {
		end--
	}
	return line[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r'
}
