// Package elide strips platform-specific blocks from source text before it is
// compiled for one platform.
//
// A block is delimited by whole-line comments:
//
//	// @platform "node"
//	import fs from 'node:fs';
//	// @platform end
//
// Eliding for the block's platform removes the two marker lines and keeps the
// body verbatim. Eliding for any other recognized platform removes the block
// entirely. Blocks tagged with an unrecognized name are left untouched.
//
// The transform is textual. A block must not open or close in the middle of a
// bracket, string or template literal; that is not checked.
package elide

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Platform names a build target.
type Platform string

const (
	Node        Platform = "node"
	Browser     Platform = "browser"
	ReactNative Platform = "react-native"
	Fetch       Platform = "fetch"
)

// Platforms returns the recognized platforms.
func Platforms() []Platform {
	return []Platform{Node, Browser, ReactNative, Fetch}
}

// Known reports whether p is a recognized platform.
func (p Platform) Known() bool {
	switch p {
	case Node, Browser, ReactNative, Fetch:
		return true
	}
	return false
}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Known() {
		return "", fmt.Errorf("unknown platform %q (expected one of node, browser, react-native, fetch)", s)
	}
	return p, nil
}

// ErrMalformedBlock is wrapped by every *BlockError.
var ErrMalformedBlock = errors.New("malformed platform block")

// BlockError reports a marker that does not form a well-nested block.
type BlockError struct {
	Line   int // 1-based
	Reason string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, ErrMalformedBlock, e.Reason)
}

func (e *BlockError) Unwrap() error { return ErrMalformedBlock }

const markerToken = "@platform"

var (
	openMarker = regexp.MustCompile(`^//\s*@platform\s+"([^"]*)"$`)
	endMarker  = regexp.MustCompile(`^//\s*@platform\s+end$`)
)

// HasMarkers reports whether src may contain platform blocks. False means
// Elide would return src unchanged.
func HasMarkers(src string) bool {
	return strings.Contains(src, markerToken)
}

type lineKind int

const (
	plainLine lineKind = iota
	openLine
	endLine
)

func classify(line string) (lineKind, Platform) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "//") || !strings.Contains(trimmed, markerToken) {
		return plainLine, ""
	}
	if endMarker.MatchString(trimmed) {
		return endLine, ""
	}
	if m := openMarker.FindStringSubmatch(trimmed); m != nil {
		return openLine, Platform(m[1])
	}
	return plainLine, ""
}

// Elide returns src as compiled for target. Source without markers is
// returned as is. Nested, unterminated or unopened blocks fail with a
// *BlockError.
func Elide(src string, target Platform) (string, error) {
	if !target.Known() {
		return "", fmt.Errorf("unknown target platform %q", target)
	}
	if !HasMarkers(src) {
		return src, nil
	}

	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))

	var (
		inBlock  bool
		blockTag Platform
		openedAt int
	)
	for i, line := range lines {
		kind, tag := classify(line)
		switch kind {
		case openLine:
			if inBlock {
				return "", &BlockError{Line: i + 1, Reason: fmt.Sprintf("block opened inside the %q block started on line %d", blockTag, openedAt)}
			}
			inBlock, blockTag, openedAt = true, tag, i+1
			if !tag.Known() {
				out = append(out, line)
			}
		case endLine:
			if !inBlock {
				return "", &BlockError{Line: i + 1, Reason: "end marker without an open block"}
			}
			if !blockTag.Known() {
				out = append(out, line)
			}
			inBlock = false
		default:
			if !inBlock || blockTag == target || !blockTag.Known() {
				out = append(out, line)
			}
		}
	}
	if inBlock {
		return "", &BlockError{Line: openedAt, Reason: fmt.Sprintf("%q block is never closed", blockTag)}
	}
	return strings.Join(out, "\n"), nil
}
