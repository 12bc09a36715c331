package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/conveyor/internal/http"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

var (
	trigKind       string
	trigBranch     string
	trigActor      string
	trigBase       string
	trigPaths      []string
	trigProduction bool

	listBranch string
	listStatus string
	listLimit  int

	approveStage   string
	approveAs      string
	approveReject  bool
	approveComment string

	cancelReason string
)

func init() {
	triggerCmd.Flags().StringVar(&trigKind, "kind", string(pipeline.TriggerManual), "trigger kind (push, pull_request, manual, scheduled)")
	triggerCmd.Flags().StringVar(&trigBranch, "branch", "main", "branch the run is for")
	triggerCmd.Flags().StringVar(&trigActor, "actor", os.Getenv("USER"), "who triggered the run")
	triggerCmd.Flags().StringVar(&trigBase, "base", "", "base revision")
	triggerCmd.Flags().StringSliceVar(&trigPaths, "paths", nil, "touched paths (computed by the server when omitted)")
	triggerCmd.Flags().BoolVar(&trigProduction, "production", false, "request a production deployment")

	listCmd.Flags().StringVar(&listBranch, "branch", "", "filter by branch")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by run status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to show")

	approveCmd.Flags().StringVar(&approveStage, "stage", string(pipeline.StageProduction), "gated stage")
	approveCmd.Flags().StringVar(&approveAs, "as", os.Getenv("USER"), "reviewer identity")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "record a rejection instead of an approval")
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "note stored with the decision")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "why the run is cancelled")
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <head>",
	Short: "Start a pipeline run",
	Long: `Start a pipeline run for a head revision.

Examples:
  conveyorctl trigger 3f2a9c1 --branch main
  conveyorctl trigger 3f2a9c1 --branch main --production
  conveyorctl trigger 3f2a9c1 --kind push --base 91be0d2 --paths apps/web/main.go`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.TriggerRequest{
			Kind:       trigKind,
			Branch:     trigBranch,
			Actor:      trigActor,
			Base:       trigBase,
			Head:       args[0],
			Production: trigProduction,
			Paths:      trigPaths,
		}
		var run pipeline.Run
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/runs", req, &run); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), run); ok {
			return err
		}
		renderRun(cmd.OutOrStdout(), &run)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run stage by stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run pipeline.Run
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), run); ok {
			return err
		}
		renderRun(cmd.OutOrStdout(), &run)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if listBranch != "" {
			q.Set("branch", listBranch)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/api/v1/runs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp api.ListRunsResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), resp); ok {
			return err
		}
		renderList(cmd.OutOrStdout(), resp.Runs)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show every recorded status change of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.HistoryResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0])+"/history", nil, &resp); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), resp); ok {
			return err
		}
		renderHistory(cmd.OutOrStdout(), resp.Transitions)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve or reject a gated stage",
	Long: `Record a reviewer decision for a gated stage of a run.

Examples:
  conveyorctl approve manual-main-3f2a9c1-1 --as alice
  conveyorctl approve manual-main-3f2a9c1-1 --as alice --reject --comment "failing smoke test"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := pipeline.DecisionApproved
		if approveReject {
			decision = pipeline.DecisionRejected
		}
		req := api.ApproveRequest{
			Stage:    approveStage,
			Approver: approveAs,
			Decision: string(decision),
			Comment:  approveComment,
		}
		var a pipeline.Approval
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/runs/"+url.PathEscape(args[0])+"/approvals", req, &a); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), a); ok {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s of %s\n",
			labelStyle.Render(a.Approver), statusStyle(decisionStatus(a.Decision)).Render(string(a.Decision)), a.Stage, a.RunID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run pipeline.Run
		req := api.CancelRequest{Reason: cancelReason}
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/runs/"+url.PathEscape(args[0])+"/cancel", req, &run); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), run); ok {
			return err
		}
		renderRun(cmd.OutOrStdout(), &run)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check conveyor server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.HealthResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		if ok, err := emit(cmd.OutOrStdout(), resp); ok {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("Server Status:"), healthyStyle.Render(resp.Status))
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", labelStyle.Render("Active Runs:"), len(resp.ActiveRuns))
		for _, id := range resp.ActiveRuns {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		names := make([]string, 0, len(resp.Components))
		for name := range resp.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render(name+":"), resp.Components[name])
		}
		return nil
	},
}

func decisionStatus(d pipeline.Decision) pipeline.Status {
	if d == pipeline.DecisionApproved {
		return pipeline.StatusSucceeded
	}
	return pipeline.StatusFailed
}
