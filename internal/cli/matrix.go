package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/matrix"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// AddMatrixCommand adds the matrix command.
func AddMatrixCommand(root *cobra.Command, global *GlobalFlags) {
	var file string
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "List the build matrix entries",
		Long: `Expand the pipeline's build matrix and list every entry with its
tag and target image, in the order jobs are created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMatrix(cmd.OutOrStdout(), global, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", constants.DefaultPipelineFile, "pipeline definition file")
	root.AddCommand(cmd)
}

func runMatrix(w io.Writer, global *GlobalFlags, file string) error {
	def, err := pipeline.Load(file)
	if err != nil {
		return err
	}
	entries, err := matrix.Expand(&def.Matrix)
	if err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	if global.Output == OutputJSON {
		return out.JSON(entries)
	}

	t := tui.NewTable(
		tui.Column{Name: "TAG", MaxWidth: 60},
		tui.Column{Name: "IMAGE TAG"},
		tui.Column{Name: "IMAGE", MaxWidth: 80},
	)
	for _, e := range entries {
		t.AddRow(e.Tag, e.ImageTag, e.Image)
	}
	out.Table(t)

	dims := make([]string, 0, len(def.Matrix.Dimensions))
	for _, d := range def.Matrix.Dimensions {
		dims = append(dims, fmt.Sprintf("%s(%d)", d.Name, len(d.Values)))
	}
	out.Info(fmt.Sprintf("%d entries from %s", len(entries), strings.Join(dims, " × ")))
	return nil
}
