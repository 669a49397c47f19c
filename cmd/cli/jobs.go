// Package cli provides command-line interface commands for scanfleet.
// This file implements the commands that query and drive a running controller.
package cli

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/api/handlers"
	"github.com/anstrom/scanfleet/internal/catalog"
	"github.com/anstrom/scanfleet/internal/controller"
)

const timeFormat = "2006-01-02 15:04:05"

// Listing flags.
var (
	listSkip      int
	listLimit     int
	submitOptions []string
	showMetadata  bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the controller accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp handlers.ToolsResponse
		if err := newConfiguredClient().Get("/api/tools", &resp); err != nil {
			return err
		}
		displayTools(cmd.OutOrStdout(), resp.Tools)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [job_id]",
	Short: "List scan jobs or show one",
	Example: `  scanfleet jobs --limit 20
  scanfleet jobs dns-lookup-1a2b3c`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newConfiguredClient()
		if len(args) == 1 {
			var job handlers.ScanJobResponse
			if err := client.Get("/api/scan_jobs/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			displayJob(cmd.OutOrStdout(), job)
			return nil
		}

		var jobs []handlers.ScanJobResponse
		if err := client.Get("/api/scan_jobs"+pageQuery(listSkip, listLimit), &jobs); err != nil {
			return err
		}
		displayJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List collected scan results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var results []handlers.ScanResultResponse
		if err := newConfiguredClient().Get("/api/scan_results"+pageQuery(listSkip, listLimit), &results); err != nil {
			return err
		}
		displayResults(cmd.OutOrStdout(), results)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <tool> <target> [targets...]",
	Short: "Submit a scan job",
	Example: `  scanfleet submit dns-lookup example.com example.org
  scanfleet submit port-scan 10.0.0.1 -o ports=22,443 -o rate=2`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := parseOptions(submitOptions)
		if err != nil {
			return err
		}

		req := controller.SubmitRequest{Tool: args[0], Targets: args[1:], Options: options}
		var submission controller.Submission
		if err := newConfiguredClient().Post("/api/scan", req, &submission); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s (workload %s)\n",
			submission.JobID, submission.Status, submission.DispatcherHandle)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "controller base URL (default "+defaultServerURL+")")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{"server": "server"})

	for _, cmd := range []*cobra.Command{jobsCmd, resultsCmd} {
		cmd.Flags().IntVar(&listSkip, "skip", 0, "number of records to skip")
		cmd.Flags().IntVar(&listLimit, "limit", controller.DefaultLimit, "maximum number of records")
	}
	resultsCmd.Flags().BoolVar(&showMetadata, "metadata", false, "include the scan metadata column")
	submitCmd.Flags().StringArrayVarP(&submitOptions, "option", "o", nil, "tool option as key=value (repeatable)")

	rootCmd.AddCommand(toolsCmd, jobsCmd, resultsCmd, submitCmd)
}

func pageQuery(skip, limit int) string {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	return "?" + q.Encode()
}

// parseOptions turns key=value pairs into tool options. Numeric and boolean
// values keep their type so the worker sees them as JSON numbers and booleans.
func parseOptions(pairs []string) (map[string]interface{}, error) {
	options := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", pair)
		}
		value = strings.TrimSpace(value)

		if f, err := strconv.ParseFloat(value, 64); err == nil && !strings.Contains(value, ",") {
			options[key] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			options[key] = b
		} else {
			options[key] = value
		}
	}
	return options, nil
}

func displayTools(w io.Writer, tools []catalog.Tool) {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Image", "Options", "Description")
	for _, t := range tools {
		_ = table.Append([]string{t.Name, t.Image, strings.Join(t.Options, ","), t.Description})
	}
	_ = table.Render()
}

func displayJobs(w io.Writer, jobs []handlers.ScanJobResponse) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No scan jobs found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Tool", "Status", "Targets", "Workload", "Created")
	for i := range jobs {
		job := &jobs[i]
		_ = table.Append([]string{
			job.JobID,
			job.Tool,
			job.Status,
			truncate(strings.Join(job.Targets, ","), 40),
			deref(job.DispatcherHandle),
			job.CreatedAt.Local().Format(timeFormat),
		})
	}
	_ = table.Render()
}

func displayJob(w io.Writer, job handlers.ScanJobResponse) {
	fmt.Fprintf(w, "Job ID:   %s\n", job.JobID)
	fmt.Fprintf(w, "Tool:     %s\n", job.Tool)
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Targets:  %s\n", strings.Join(job.Targets, ", "))
	if len(job.Options) > 0 {
		fmt.Fprintf(w, "Options:  %s\n", formatOptions(job.Options))
	}
	if job.DispatcherHandle != nil {
		fmt.Fprintf(w, "Workload: %s\n", *job.DispatcherHandle)
	}
	if job.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:    %s\n", *job.ErrorMessage)
	}
	fmt.Fprintf(w, "Created:  %s\n", job.CreatedAt.Local().Format(timeFormat))
	fmt.Fprintf(w, "Updated:  %s\n", job.UpdatedAt.Local().Format(timeFormat))
}

func displayResults(w io.Writer, results []handlers.ScanResultResponse) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No scan results found")
		return
	}

	table := tablewriter.NewWriter(w)
	headers := []any{"ID", "Target", "Resolved IPs", "Open Ports", "Tool", "Job ID"}
	if showMetadata {
		headers = append(headers, "Metadata")
	}
	table.Header(headers...)

	for i := range results {
		r := &results[i]
		ports := make([]string, 0, len(r.OpenPorts))
		for _, p := range r.OpenPorts {
			ports = append(ports, strconv.FormatInt(p, 10))
		}
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Target,
			strings.Join(r.ResolvedIPs, ","),
			strings.Join(ports, ","),
			fmt.Sprint(valueOr(r.ScanMetadata["tool"], "-")),
			fmt.Sprint(valueOr(r.ScanMetadata["job_id"], "-")),
		}
		if showMetadata {
			row = append(row, formatOptions(r.ScanMetadata))
		}
		_ = table.Append(row)
	}
	_ = table.Render()
}

func formatOptions(options map[string]interface{}) string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, options[k]))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func valueOr(v interface{}, fallback string) interface{} {
	if v == nil {
		return fallback
	}
	return v
}
