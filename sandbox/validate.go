// Package sandbox provides secure execution of untrusted analysis code.
//
// Validation is the first line of defense: it rejects code containing
// known-dangerous textual patterns before any workspace or sandbox is
// created. Substring matching is intentionally conservative and is not
// the security boundary; the backends enforce isolation regardless of
// what validation lets through.
package sandbox

import (
	"fmt"
	"strings"
)

// ValidationError reports why submitted code was rejected before
// execution. Exactly one of Pattern and SyntaxErr is set.
type ValidationError struct {
	// Pattern is the denylisted substring found in the code.
	Pattern string
	// SyntaxErr describes a structural syntax problem.
	SyntaxErr string
}

func (e *ValidationError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("forbidden pattern detected: %s", e.Pattern)
	}
	return fmt.Sprintf("syntax error: %s", e.SyntaxErr)
}

// forbiddenPatterns covers direct OS/process/network access, dynamic
// evaluation, and attribute/dunder introspection. Matching is
// case-insensitive substring containment.
var forbiddenPatterns = []string{
	"import os",
	"import subprocess",
	"import sys",
	"import socket",
	"import shutil",
	"__import__",
	"eval(",
	"exec(",
	"compile(",
	"open(",
	"file(",
	"input(",
	"raw_input(",
	"globals(",
	"locals(",
	"vars(",
	"dir(",
	"getattr(",
	"setattr(",
	"delattr(",
	"breakpoint(",
	"__dict__",
	"__class__",
	"__base__",
	"__subclasses__",
	"mro(",
	"__code__",
	"__closure__",
	"__func__",
	"__self__",
	"__module__",
	"__builtins__",
}

// Validate checks submitted code against the denylist and a structural
// syntax scan. It fails closed: any match or malformed structure rejects
// the request and no code is ever executed afterwards.
func Validate(code string) error {
	lower := strings.ToLower(code)
	for _, pattern := range forbiddenPatterns {
		if strings.Contains(lower, pattern) {
			return &ValidationError{Pattern: pattern}
		}
	}

	if err := checkSyntax(code); err != nil {
		return &ValidationError{SyntaxErr: err.Error()}
	}

	return nil
}

// checkSyntax is a conservative structural scan: it verifies balanced
// brackets and terminated string literals, tracking Python comment and
// triple-quote semantics. It is not a full parser; code that passes here
// can still fail inside the sandbox, which is an ordinary runtime error.
func checkSyntax(code string) error {
	type open struct {
		ch   byte
		line int
	}

	var stack []open
	line := 1

	inString := false
	var quote byte
	triple := false

	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	for i := 0; i < len(code); i++ {
		c := code[i]

		if c == '\n' {
			if inString && !triple {
				return fmt.Errorf("unterminated string literal on line %d", line)
			}
			line++
			continue
		}

		if inString {
			if c == '\\' {
				i++ // skip escaped character
				continue
			}
			if c == quote {
				if !triple {
					inString = false
					continue
				}
				if i+2 < len(code) && code[i+1] == quote && code[i+2] == quote {
					inString = false
					i += 2
				}
			}
			continue
		}

		switch c {
		case '#':
			for i < len(code) && code[i] != '\n' {
				i++
			}
			line++
		case '\'', '"':
			inString = true
			quote = c
			triple = false
			if i+2 < len(code) && code[i+1] == c && code[i+2] == c {
				triple = true
				i += 2
			}
		case '(', '[', '{':
			stack = append(stack, open{ch: c, line: line})
		case ')', ']', '}':
			if len(stack) == 0 {
				return fmt.Errorf("unmatched %q on line %d", string(c), line)
			}
			top := stack[len(stack)-1]
			if top.ch != pairs[c] {
				return fmt.Errorf("mismatched %q on line %d, expected closing for %q opened on line %d",
					string(c), line, string(top.ch), top.line)
			}
			stack = stack[:len(stack)-1]
		}
	}

	if inString {
		return fmt.Errorf("unterminated string literal at end of input")
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return fmt.Errorf("unclosed %q opened on line %d", string(top.ch), top.line)
	}

	return nil
}
