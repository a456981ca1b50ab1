package repository

import (
	"fmt"
	"strconv"
	"strings"
)

// FlowIndex is a dot-separated list of positive integers ("1.2.3"). It is
// the scheduling sort key and encodes parent/child nesting.
type FlowIndex string

// ParseFlowIndex validates s and returns it as a FlowIndex.
func ParseFlowIndex(s string) (FlowIndex, error) {
	if s == "" {
		return "", fmt.Errorf("flow index is empty")
	}
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return "", fmt.Errorf("flow index %q: segment %q is not an integer", s, part)
		}
		if n <= 0 {
			return "", fmt.Errorf("flow index %q: segment %q must be positive", s, part)
		}
		if strconv.Itoa(n) != part {
			return "", fmt.Errorf("flow index %q: segment %q is not canonical", s, part)
		}
	}
	return FlowIndex(s), nil
}

// Validate checks the flow index format.
func (f FlowIndex) Validate() error {
	_, err := ParseFlowIndex(string(f))
	return err
}

// Parts returns the integer segments. Invalid segments parse as zero.
func (f FlowIndex) Parts() []int {
	if f == "" {
		return nil
	}
	segs := strings.Split(string(f), ".")
	out := make([]int, len(segs))
	for i, s := range segs {
		out[i], _ = strconv.Atoi(s)
	}
	return out
}

// Depth returns the number of segments.
func (f FlowIndex) Depth() int {
	if f == "" {
		return 0
	}
	return strings.Count(string(f), ".") + 1
}

// Parent returns the enclosing flow index, or "" for a top-level index.
func (f FlowIndex) Parent() FlowIndex {
	i := strings.LastIndexByte(string(f), '.')
	if i < 0 {
		return ""
	}
	return f[:i]
}

// IsAncestorOf reports whether o is nested (at any depth) under f.
func (f FlowIndex) IsAncestorOf(o FlowIndex) bool {
	return len(o) > len(f) && strings.HasPrefix(string(o), string(f)+".")
}

// Compare orders flow indexes segment by segment. A parent sorts before
// its children.
func (f FlowIndex) Compare(o FlowIndex) int {
	a, b := f.Parts(), o.Parts()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Less reports whether f sorts before o.
func (f FlowIndex) Less(o FlowIndex) bool {
	return f.Compare(o) < 0
}

// String implements fmt.Stringer.
func (f FlowIndex) String() string {
	return string(f)
}
