// Command oxpp is a thin development harness for the ox preprocessor: it
// reads a .ox file from disk, runs it through ox.Preprocess, and prints
// the resulting data tree as indented JSON. It is not a product CLI —
// config-file loading, target serializers, and language bindings are an
// external collaborator's job.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	ox "github.com/the-ox-studio/oxdef"
	"github.com/the-ox-studio/oxdef/api"
)

var (
	baseDir string
	timeout time.Duration
	strict  bool
)

var rootCmd = &cobra.Command{
	Use:   "oxpp [file.ox]",
	Short: "Preprocess an OX definition file and print the resulting tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}

		dir := baseDir
		if dir == "" {
			dir = filepath.Dir(absPath)
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve base dir: %w", err)
		}

		cfg := api.DefaultConfig()
		cfg.BaseDir = absDir
		cfg.Strict = strict
		if timeout > 0 {
			cfg.Timeout = timeout
		}

		// The filesystem is rooted at "/" (not absDir) so import/inject
		// paths resolve the same absolute-path way internal/project
		// assumes: relative to the importing file's real directory, with
		// cfg.BaseDir as the escape boundary.
		host := api.Host{FS: osfs.New("/")}

		doc, diags := ox.Preprocess(context.Background(), src, absPath, host, cfg)
		if diags.HasErrors() {
			for _, d := range diags {
				fmt.Fprintln(os.Stderr, d.Error())
			}
			return fmt.Errorf("%d error(s) preprocessing %s", len(diags), path)
		}

		out, err := oj.Marshal(treeToJSON(doc), 2)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&baseDir, "base-dir", "", "directory imports/injects resolve against (default: the input file's directory)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "data-source fetch timeout (default: 5s)")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "set Config.Strict (no preprocessing stage reads it)")
}

// treeToJSON renders a preprocessed document as plain Go values
// (map[string]any / []any / scalars), the shape oj.Marshal expects.
func treeToJSON(doc *api.Document) any {
	blocks := make([]any, len(doc.Blocks))
	for i, b := range doc.Blocks {
		blocks[i] = blockToJSON(b)
	}
	return blocks
}

func blockToJSON(b *api.Block) any {
	props := map[string]any{}
	for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props[pair.Key] = valueToJSON(pair.Value)
	}
	children := make([]any, 0, len(b.Children))
	for _, c := range b.Children {
		if cb, ok := c.(*api.Block); ok {
			children = append(children, blockToJSON(cb))
		}
	}
	out := map[string]any{"properties": props}
	if b.ID != "" {
		out["id"] = b.ID
	}
	if len(children) > 0 {
		out["children"] = children
	}
	return out
}

func valueToJSON(v api.Value) any {
	switch val := v.(type) {
	case *api.Literal:
		return val.Raw()
	case *api.Array:
		out := make([]any, len(val.Elements))
		for i, el := range val.Elements {
			out[i] = valueToJSON(el)
		}
		return out
	default:
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oxpp:", err)
		os.Exit(1)
	}
}
