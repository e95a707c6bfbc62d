package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devtomas22/note/internal/models"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Manage kernels",
}

var kernelStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a kernel",
	Args:  cobra.NoArgs,
	RunE:  runKernelStart,
}

var kernelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List kernels",
	Args:  cobra.NoArgs,
	RunE:  runKernelList,
}

var kernelShowCmd = &cobra.Command{
	Use:   "show [kernel-id]",
	Short: "Show kernel details",
	Args:  cobra.ExactArgs(1),
	RunE:  runKernelShow,
}

var kernelStopCmd = &cobra.Command{
	Use:   "stop [kernel-id]",
	Short: "Shut a kernel down",
	Args:  cobra.ExactArgs(1),
	RunE:  runKernelStop,
}

var kernelRestartCmd = &cobra.Command{
	Use:   "restart [kernel-id]",
	Short: "Restart a kernel, keeping its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runKernelRestart,
}

var kernelInterruptCmd = &cobra.Command{
	Use:   "interrupt [kernel-id]",
	Short: "Interrupt the running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runKernelInterrupt,
}

var kernelExecCmd = &cobra.Command{
	Use:   "exec [kernel-id] [code]",
	Short: "Execute code and print its outputs",
	Long:  `Executes code on a kernel. The code is read from --file, the second argument, or stdin, in that order.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runKernelExec,
}

var kernelHistoryCmd = &cobra.Command{
	Use:   "history [kernel-id]",
	Short: "Show recent executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runKernelHistory,
}

var (
	kernelSpecName string
	execFile       string
	execTimeout    time.Duration
	historyLimit   int
)

func init() {
	kernelCmd.AddCommand(kernelStartCmd, kernelListCmd, kernelShowCmd, kernelStopCmd,
		kernelRestartCmd, kernelInterruptCmd, kernelExecCmd, kernelHistoryCmd)

	kernelStartCmd.Flags().StringVar(&kernelSpecName, "name", "", "Kernelspec to launch (default: the gateway's default)")
	kernelExecCmd.Flags().StringVarP(&execFile, "file", "f", "", "Read code from a file")
	kernelExecCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	kernelHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of executions")
}

func runKernelStart(cmd *cobra.Command, args []string) error {
	// Launching waits for the kernel to answer kernel_info.
	resp, err := apiDo(http.MethodPost, "/api/kernels", map[string]string{"name": kernelSpecName}, time.Minute)
	if err != nil {
		return err
	}

	var info models.KernelInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return err
	}

	fmt.Printf("Started kernel: %s (%s)\n", info.ID, info.Name)
	return nil
}

func runKernelList(cmd *cobra.Command, args []string) error {
	var kernels []models.KernelInfo
	if err := apiGetJSON("/api/kernels", &kernels); err != nil {
		return err
	}

	if len(kernels) == 0 {
		fmt.Println("No kernels running")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEXECUTIONS\tCONNECTIONS\tLAST ACTIVITY")
	for _, k := range kernels {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			k.ID, k.Name, k.Status, k.ExecutionCount, k.Connections, since(k.LastActivity))
	}
	w.Flush()
	return nil
}

func runKernelShow(cmd *cobra.Command, args []string) error {
	var k models.KernelInfo
	if err := apiGetJSON("/api/kernels/"+args[0], &k); err != nil {
		return err
	}

	fmt.Printf("ID:            %s\n", k.ID)
	fmt.Printf("Name:          %s\n", k.Name)
	fmt.Printf("Language:      %s\n", k.Language)
	fmt.Printf("Status:        %s\n", k.Status)
	fmt.Printf("Executions:    %d\n", k.ExecutionCount)
	fmt.Printf("Connections:   %d\n", k.Connections)
	fmt.Printf("Started:       %s\n", k.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Last Activity: %s\n", since(k.LastActivity))
	return nil
}

func runKernelStop(cmd *cobra.Command, args []string) error {
	if _, err := apiDo(http.MethodDelete, "/api/kernels/"+args[0], nil, time.Minute); err != nil {
		return err
	}
	fmt.Printf("Stopped kernel %s\n", args[0])
	return nil
}

func runKernelRestart(cmd *cobra.Command, args []string) error {
	resp, err := apiDo(http.MethodPost, "/api/kernels/"+args[0]+"/restart", nil, time.Minute)
	if err != nil {
		return err
	}
	var info models.KernelInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return err
	}
	fmt.Printf("Restarted kernel %s (%s)\n", info.ID, info.Status)
	return nil
}

func runKernelInterrupt(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/kernels/"+args[0]+"/interrupt", nil); err != nil {
		return err
	}
	fmt.Printf("Interrupted kernel %s\n", args[0])
	return nil
}

func readCode(args []string) (string, error) {
	switch {
	case execFile != "":
		data, err := os.ReadFile(execFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case len(args) > 1:
		return args[1], nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func runKernelExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("no code to execute")
	}

	resp, err := apiDo(http.MethodPost, "/api/kernels/"+args[0]+"/execute", map[string]string{"code": code}, execTimeout)
	if err != nil {
		if isKind(err, "kernel_died") {
			return fmt.Errorf("%w (restart it with: note kernel restart %s)", err, args[0])
		}
		return err
	}

	var result models.ExecutionResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	printOutputs(result.Outputs)
	if result.Status != models.ExecutionStatusOK {
		return fmt.Errorf("execution %d finished with status %s", result.ExecutionCount, result.Status)
	}
	return nil
}

func printOutputs(outputs []models.CellOutput) {
	for _, out := range outputs {
		switch v := out.Output.(type) {
		case models.StreamOutput:
			if v.Name == "stderr" {
				fmt.Fprint(os.Stderr, v.Text)
			} else {
				fmt.Print(v.Text)
			}
		case models.ErrorOutput:
			fmt.Fprintf(os.Stderr, "%s: %s\n", v.EName, v.EValue)
			for _, line := range v.Traceback {
				fmt.Fprintln(os.Stderr, line)
			}
		default:
			fmt.Println(out.Text())
		}
	}
}

func runKernelHistory(cmd *cobra.Command, args []string) error {
	var records []models.ExecutionRecord
	if err := apiGetJSON(fmt.Sprintf("/api/kernels/%s/history?limit=%d", args[0], historyLimit), &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTATUS\tFINISHED\tCODE")
	for _, r := range records {
		code := truncate(strings.ReplaceAll(strings.TrimSpace(r.Code), "\n", " "), 50)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ExecutionCount, r.Status, r.FinishedAt.Local().Format(time.TimeOnly), code)
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
