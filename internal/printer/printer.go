package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

func init() {
	// Users can disable with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

var (
	mu     sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects normal and error output. Commands call it with the
// cobra command's writers so output can be captured in tests. Nil restores
// the process defaults.
func SetOutput(out, errOut io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	stdout, stderr = out, errOut
}

func writers() (io.Writer, io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	return stdout, stderr
}

// Success prints a green message with a checkmark prefix.
func Success(format string, a ...any) {
	out, _ := writers()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(out, msg)
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	out, _ := writers()
	fmt.Fprintf(out, format, a...)
}

// Warning prints a yellow message to stderr.
func Warning(format string, a ...any) {
	_, errOut := writers()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(errOut, msg)
}

// Step prints a step of a multi-step operation.
func Step(format string, a ...any) {
	out, _ := writers()
	cyan.Fprintf(out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with explanation and suggestions to stderr
// and returns an error carrying only the title, for cobra.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error plus key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	_, errOut := writers()
	red.Fprintf(errOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(errOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		fmt.Fprintf(errOut, "\n")
		for _, key := range sortedKeys(context) {
			fmt.Fprintf(errOut, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(errOut, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(errOut, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(errOut, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(errOut, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return fmt.Errorf("%s", title)
}

// KeyValues prints one aligned "key  value" line per entry, in key order.
func KeyValues(entries map[string]string) {
	out, _ := writers()
	keys := sortedKeys(entries)
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	for _, k := range keys {
		bold.Fprintf(out, "%-*s", width, k)
		fmt.Fprintf(out, "  %s\n", entries[k])
	}
}

// Println prints a plain line.
func Println(a ...any) {
	out, _ := writers()
	fmt.Fprintln(out, a...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
