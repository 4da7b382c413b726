package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/drawingtileflow/internal/objectstore"
	"github.com/Lllllllleong/drawingtileflow/internal/tiles"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	generateOut     string
	generatePrefix  string
	generateBaseURL string
)

var generateCmd = &cobra.Command{
	Use:   "generate <png>",
	Short: "Build a tile pyramid on local disk",
	Long: `Generate the tile pyramid, thumbnail and manifest of a PNG into a directory.

No database or bucket is touched; this is the same generator the worker runs.

Examples:
  tile-worker generate page-3.png --out ./out
  tile-worker generate page-3.png --out ./out --prefix org-1/abc/page-3 --base-url https://cdn.example.com/tiles`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", "", "output directory (required)")
	generateCmd.Flags().StringVarP(&generatePrefix, "prefix", "p", "", "logical base path (default: file name without extension)")
	generateCmd.Flags().StringVar(&generateBaseURL, "base-url", "", "public base URL written to the result (default: file URL of --out)")
	_ = generateCmd.MarkFlagRequired("out")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	prefix := generatePrefix
	if prefix == "" {
		base := filepath.Base(args[0])
		prefix = strings.TrimSuffix(base, filepath.Ext(base))
	}
	baseURL := generateBaseURL
	if baseURL == "" {
		abs, err := filepath.Abs(generateOut)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", generateOut, err)
		}
		baseURL = "file://" + filepath.ToSlash(abs)
	}

	gateway := objectstore.NewGateway(objectstore.NewDirBackend(generateOut), "", baseURL)
	res, err := tiles.NewGenerator(gateway, logger, nil).Generate(cmd.Context(), src, prefix)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	color.New(color.FgGreen).Fprintf(w, "Generated %d tiles\n", res.TilesUploaded)
	fmt.Fprintf(w, "  size:      %dx%d\n", res.Width, res.Height)
	fmt.Fprintf(w, "  levels:    %d\n", res.Levels)
	fmt.Fprintf(w, "  manifest:  %s\n", color.New(color.FgCyan).Sprint(filepath.Join(generateOut, filepath.FromSlash(res.ManifestPath))))
	fmt.Fprintf(w, "  base url:  %s\n", res.BaseURL)
	return nil
}
