package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jamtools/springboard/internal/printer"
	"github.com/jamtools/springboard/pkg/elide"
	"github.com/spf13/cobra"
)

var (
	elidePlatform string
	elideOut      string
	elideExts     []string
)

var elideCmd = &cobra.Command{
	Use:   "elide PATH",
	Short: "Strip code written for other platforms",
	Long: `Remove every "// @platform" block that does not target the chosen
platform and unwrap the blocks that do.

  // @platform "node"
  ...
  // @platform end

A single file is written to stdout (or --out). A directory is mirrored into
--out; files without markers are copied unchanged.

Examples:
  springboard elide src/app.ts --platform browser
  springboard elide src --platform node --out dist/node`,
	Args: cobra.ExactArgs(1),
	RunE: runElide,
}

func init() {
	elideCmd.Flags().StringVarP(&elidePlatform, "platform", "p", "", "Target platform: "+platformList())
	elideCmd.Flags().StringVarP(&elideOut, "out", "o", "", "Output file or directory")
	elideCmd.Flags().StringSliceVar(&elideExts, "ext", elide.DefaultExtensions, "Extensions of files to transform")
	elideCmd.MarkFlagRequired("platform")
	rootCmd.AddCommand(elideCmd)
}

func platformList() string {
	names := make([]string, 0, len(elide.Platforms()))
	for _, p := range elide.Platforms() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func runElide(cmd *cobra.Command, args []string) error {
	target, err := elide.ParsePlatform(elidePlatform)
	if err != nil {
		return printer.Error("unknown platform", err.Error(), []string{"Valid platforms: " + platformList()})
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return printer.Error("cannot read input", err.Error(), nil)
	}

	if info.IsDir() {
		if elideOut == "" {
			return printer.Error("missing --out", "A directory input needs an output directory.", []string{"springboard elide " + path + " --platform " + string(target) + " --out dist"})
		}
		stats, err := elide.ElideTree(cmd.Context(), path, elideOut, target, elideExts)
		if err != nil {
			return elideError(err, path)
		}
		printer.Success("Elided %d files for %s (%d transformed, %d copied)\n", stats.Files, target, stats.Transformed, stats.Copied)
		return nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return printer.Error("cannot read input", err.Error(), nil)
	}
	out, err := elide.Elide(string(src), target)
	if err != nil {
		return elideError(err, path)
	}
	if elideOut == "" {
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	}
	if err := os.WriteFile(elideOut, []byte(out), info.Mode().Perm()); err != nil {
		return printer.Error("cannot write output", err.Error(), nil)
	}
	printer.Success("Wrote %s\n", elideOut)
	return nil
}

func elideError(err error, path string) error {
	var blockErr *elide.BlockError
	if errors.As(err, &blockErr) {
		return printer.ErrorWithContext(
			"malformed platform block",
			blockErr.Reason,
			map[string]string{"path": path, "line": fmt.Sprint(blockErr.Line)},
			[]string{`Close every "// @platform" block with "// @platform end" and do not nest blocks`},
		)
	}
	return printer.Error("elision failed", err.Error(), nil)
}
