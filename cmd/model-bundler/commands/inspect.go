package commands

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/docker/model-bundler/pkg/archive"
)

func newInspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect BUNDLE",
		Short: "List the files of a bundle archive",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'model-bundler inspect' requires 1 argument.\n\n" +
						"Usage:  model-bundler inspect BUNDLE\n\n" +
						"See 'model-bundler inspect --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			format, err := archive.DetectFormat(data)
			if err != nil {
				return err
			}
			entries, err := archive.ReadEntries(format, data)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			cmd.Printf("Format: %s\nDigest: %s\n\n", format, digest.FromBytes(data))
			cmd.Print(entriesTable(entries))
			return nil
		},
	}
	return c
}

func entriesTable(entries []archive.Entry) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"NAME", "SIZE", "BYTES"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,  // NAME
		tablewriter.ALIGN_LEFT,  // SIZE
		tablewriter.ALIGN_RIGHT, // BYTES
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, entry := range entries {
		size := len(entry.Data)
		table.Append([]string{entry.Name, units.HumanSize(float64(size)), strconv.Itoa(size)})
	}

	table.Render()
	return buf.String()
}
