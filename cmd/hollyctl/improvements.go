package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func improvementPath(id string, action ...string) string {
	p := "/api/v1/improvements/" + url.PathEscape(id)
	if len(action) > 0 {
		p += "/" + action[0]
	}
	return p
}

// runAndPrint executes a request and prints the response.
func runAndPrint(cmd *cobra.Command, data []byte, err error) error {
	if err != nil {
		return err
	}
	outputJSON(cmd.OutOrStdout(), data)
	return nil
}

// readJSONFile decodes a request body from path; "-" reads stdin.
func readJSONFile(path string, v any) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func newPlanCommand() *cobra.Command {
	var (
		file     string
		userID   string
		trigger  string
		problem  string
		solution string
		risk     string
		files    []string
		lines    int
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Submit a new improvement plan",
		Example: `  hollyctl plan --user=ops --trigger=bug_report --risk=low \
    --problem="Typo in guide" --solution="Fix it" --files=docs/guide.md --lines=2
  hollyctl plan -f plan.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if file != "" {
				if err := readJSONFile(file, &body); err != nil {
					return err
				}
			} else {
				body = map[string]any{
					"user_id":           userID,
					"trigger_type":      trigger,
					"problem_statement": problem,
					"solution_approach": solution,
					"risk_level":        risk,
					"files_changed":     files,
					"lines_changed":     lines,
				}
			}
			data, err := newClient().post("/api/v1/improvements", body)
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the plan from a JSON file (- for stdin)")
	cmd.Flags().StringVar(&userID, "user", "", "Requesting user")
	cmd.Flags().StringVar(&trigger, "trigger", "", "Trigger type: user_request, bug_report, self_detected, scheduled_audit")
	cmd.Flags().StringVar(&problem, "problem", "", "Problem statement")
	cmd.Flags().StringVar(&solution, "solution", "", "Solution approach")
	cmd.Flags().StringVar(&risk, "risk", "", "Declared risk level: low, medium, high")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Files the change touches")
	cmd.Flags().IntVar(&lines, "lines", 0, "Estimated lines changed")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status  string
		userID  string
		trigger string
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List improvements",
		Example: `  hollyctl list --status=pending_review`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if userID != "" {
				params.Set("user_id", userID)
			}
			if trigger != "" {
				params.Set("trigger_type", trigger)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			data, err := newClient().get("/api/v1/improvements", params)
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user")
	cmd.Flags().StringVar(&trigger, "trigger", "", "Filter by trigger type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <improvement-id>",
		Short: "Show an improvement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(improvementPath(args[0]), nil)
			return runAndPrint(cmd, data, err)
		},
	}
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <improvement-id>",
		Short: "Show the audit trail of an improvement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(improvementPath(args[0], "events"), nil)
			return runAndPrint(cmd, data, err)
		},
	}
}

func newAnalyzeCommand() *cobra.Command {
	var (
		file      string
		llm       float64
		coverage  float64
		lint      bool
		typecheck bool
		security  bool
	)
	cmd := &cobra.Command{
		Use:     "analyze <improvement-id>",
		Short:   "Score risk and confidence and decide",
		Args:    cobra.ExactArgs(1),
		Example: `  hollyctl analyze imp-123 --llm=0.9 --coverage=85 --lint --typecheck --security`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if file != "" {
				if err := readJSONFile(file, &body); err != nil {
					return err
				}
			} else {
				if cmd.Flags().Changed("llm") {
					body["llm_confidence"] = llm
				}
				if cmd.Flags().Changed("coverage") {
					body["predicted_test_coverage"] = coverage
				}
				if cmd.Flags().Changed("lint") || cmd.Flags().Changed("typecheck") || cmd.Flags().Changed("security") {
					body["code_quality_metrics"] = map[string]bool{
						"linting_passed":       lint,
						"type_check_passed":    typecheck,
						"security_scan_passed": security,
					}
				}
			}
			data, err := newClient().post(improvementPath(args[0], "analyze"), body)
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the analysis request from a JSON file (- for stdin)")
	cmd.Flags().Float64Var(&llm, "llm", 0, "LLM self-reported confidence (0-1)")
	cmd.Flags().Float64Var(&coverage, "coverage", 0, "Predicted test coverage (0-100)")
	cmd.Flags().BoolVar(&lint, "lint", false, "Linting passed")
	cmd.Flags().BoolVar(&typecheck, "typecheck", false, "Type check passed")
	cmd.Flags().BoolVar(&security, "security", false, "Security scan passed")
	return cmd
}

func newCodeCommand() *cobra.Command {
	var (
		sets     []string
		diffFile string
		coverage float64
	)
	cmd := &cobra.Command{
		Use:     "code <improvement-id>",
		Short:   "Submit generated code for an approved improvement",
		Args:    cobra.ExactArgs(1),
		Example: `  hollyctl code imp-123 --set docs/guide.md=./guide.md --diff change.patch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			changes := make(map[string]string, len(sets))
			for _, s := range sets {
				repoPath, local, ok := strings.Cut(s, "=")
				if !ok || repoPath == "" || local == "" {
					return fmt.Errorf("--set wants repo/path=local/file, got %q", s)
				}
				content, err := os.ReadFile(local)
				if err != nil {
					return err
				}
				changes[repoPath] = string(content)
			}
			body := map[string]any{"code_changes": changes}
			if diffFile != "" {
				raw, err := os.ReadFile(diffFile)
				if err != nil {
					return err
				}
				body["unified_diff"] = string(raw)
			}
			if cmd.Flags().Changed("coverage") {
				body["test_coverage"] = coverage
			}
			data, err := newClient().post(improvementPath(args[0], "code"), body)
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Full new content of a file as repo/path=local/file (repeatable)")
	cmd.Flags().StringVar(&diffFile, "diff", "", "Unified diff of the change")
	cmd.Flags().Float64Var(&coverage, "coverage", 0, "Measured test coverage (0-100)")
	return cmd
}

func newApproveCommand() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "approve <improvement-id>",
		Short: "Approve and merge a pull request awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(improvementPath(args[0], "approve"), map[string]string{"actor": actor})
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringVar(&actor, "as", os.Getenv("USER"), "Reviewer name (ignored when a token is used)")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "reject <improvement-id>",
		Short: "Reject an improvement and close its pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(improvementPath(args[0], "reject"), map[string]string{"actor": actor, "reason": reason})
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().StringVar(&actor, "as", os.Getenv("USER"), "Reviewer name (ignored when a token is used)")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the improvement is rejected (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <improvement-id>",
		Short: "Align an improvement with its pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(improvementPath(args[0], "reconcile"), nil)
			return runAndPrint(cmd, data, err)
		},
	}
}

func newDeploymentCommand() *cobra.Command {
	var (
		failed    bool
		deployURL string
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "deployment <improvement-id>",
		Short: "Report the deployment outcome of a merged improvement",
		Args:  cobra.ExactArgs(1),
		Example: `  hollyctl deployment imp-123 --url=https://app.example.com
  hollyctl deployment imp-123 --failed --reason="smoke tests failed"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"success": !failed, "url": deployURL, "reason": reason}
			data, err := newClient().post(improvementPath(args[0], "deployment"), body)
			return runAndPrint(cmd, data, err)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "The deployment failed")
	cmd.Flags().StringVar(&deployURL, "url", "", "Where the change was deployed")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	return cmd
}

func newInsightsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "insights",
		Short: "Show per-trigger success patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/insights", nil)
			return runAndPrint(cmd, data, err)
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/health", nil)
			return runAndPrint(cmd, data, err)
		},
	}
}
