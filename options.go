package liveview

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options is the decoded form of Query.Options.
type Options struct {
	// OOF enables out-of-focus removal notices
	OOF bool
	// Conflation batches incremental updates over this interval; zero sends every change
	Conflation time.Duration
	// TopN limits the result window; zero means unlimited
	TopN int
	// SkipN offsets the result window
	SkipN int
}

// ParseOptions decodes an options string such as
// "oof,conflation=1000ms,top_n=20,skip_n=0".
func ParseOptions(s string) (Options, error) {
	var opts Options
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		name, value, hasValue := strings.Cut(token, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		switch name {
		case "oof":
			if hasValue {
				return Options{}, fmt.Errorf("option 'oof' takes no value")
			}
			opts.OOF = true
		case "conflation":
			d, err := parseConflation(value)
			if err != nil {
				return Options{}, err
			}
			opts.Conflation = d
		case "top_n":
			n, err := parseCount(name, value)
			if err != nil {
				return Options{}, err
			}
			opts.TopN = n
		case "skip_n":
			n, err := parseCount(name, value)
			if err != nil {
				return Options{}, err
			}
			opts.SkipN = n
		default:
			return Options{}, fmt.Errorf("unknown option '%s'", name)
		}
	}
	return opts, nil
}

func parseConflation(value string) (time.Duration, error) {
	if value == "" || value == "none" {
		return 0, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		// bare numbers are milliseconds
		value = strconv.Itoa(n) + "ms"
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid conflation interval '%s'", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("conflation interval must not be negative")
	}
	return d, nil
}

func parseCount(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("option '%s' requires a non-negative integer, got '%s'", name, value)
	}
	return n, nil
}

// String renders the canonical options string.
func (o Options) String() string {
	var parts []string
	if o.OOF {
		parts = append(parts, "oof")
	}
	if o.Conflation > 0 {
		parts = append(parts, fmt.Sprintf("conflation=%dms", o.Conflation.Milliseconds()))
	}
	if o.TopN > 0 {
		parts = append(parts, fmt.Sprintf("top_n=%d", o.TopN))
	}
	if o.SkipN > 0 {
		parts = append(parts, fmt.Sprintf("skip_n=%d", o.SkipN))
	}
	return strings.Join(parts, ",")
}
