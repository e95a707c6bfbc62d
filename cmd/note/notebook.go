package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devtomas22/note/internal/gateway"
	"github.com/devtomas22/note/internal/models"
)

var kernelspecCmd = &cobra.Command{
	Use:   "kernelspec",
	Short: "Inspect kernelspecs",
}

var kernelspecListCmd = &cobra.Command{
	Use:   "list",
	Short: "List kernelspecs",
	Args:  cobra.NoArgs,
	RunE:  runKernelspecList,
}

var notebookCmd = &cobra.Command{
	Use:   "notebook",
	Short: "Manage notebooks",
}

var notebookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notebooks",
	Args:  cobra.NoArgs,
	RunE:  runNotebookList,
}

var notebookShowCmd = &cobra.Command{
	Use:   "show [notebook-id]",
	Short: "Show a notebook's cells",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotebookShow,
}

var notebookDeleteCmd = &cobra.Command{
	Use:   "delete [notebook-id]",
	Short: "Delete a notebook",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotebookDelete,
}

func init() {
	kernelspecCmd.AddCommand(kernelspecListCmd)
	notebookCmd.AddCommand(notebookListCmd, notebookShowCmd, notebookDeleteCmd)
}

func runKernelspecList(cmd *cobra.Command, args []string) error {
	var resp gateway.KernelSpecsResponse
	if err := apiGetJSON("/api/kernelspecs", &resp); err != nil {
		return err
	}

	names := make([]string, 0, len(resp.KernelSpecs))
	for name := range resp.KernelSpecs {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLANGUAGE\tLAUNCHER\tARGV")
	for _, name := range names {
		spec := resp.KernelSpecs[name]
		if name == resp.Default {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, spec.Language, spec.Launcher, strings.Join(spec.Argv, " "))
	}
	w.Flush()
	return nil
}

func runNotebookList(cmd *cobra.Command, args []string) error {
	var notebooks []models.Notebook
	if err := apiGetJSON("/api/notebooks", &notebooks); err != nil {
		return err
	}

	if len(notebooks) == 0 {
		fmt.Println("No notebooks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKERNEL\tUPDATED")
	for _, nb := range notebooks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", nb.ID, truncate(nb.Name, 40),
			nb.Metadata.KernelSpec.Name, nb.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
	return nil
}

func runNotebookShow(cmd *cobra.Command, args []string) error {
	var nb models.Notebook
	if err := apiGetJSON("/api/notebooks/"+args[0], &nb); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", nb.ID)
	fmt.Printf("Name:    %s\n", nb.Name)
	fmt.Printf("Kernel:  %s (%s)\n", nb.Metadata.KernelSpec.Name, nb.Metadata.KernelSpec.Language)
	fmt.Printf("Created: %s\n", nb.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated: %s\n", nb.UpdatedAt.Local().Format(time.DateTime))

	for _, cell := range nb.Cells {
		label := string(cell.CellType)
		if cell.ExecutionCount != nil {
			label = fmt.Sprintf("%s [%d]", label, *cell.ExecutionCount)
		}
		fmt.Printf("\n=== %s (%s) ===\n", label, cell.ID)
		fmt.Println(cell.Source)
		if len(cell.Outputs) > 0 {
			fmt.Println("---")
			printOutputs(cell.Outputs)
		}
	}
	return nil
}

func runNotebookDelete(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/api/notebooks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted notebook %s\n", args[0])
	return nil
}
