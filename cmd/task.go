// File: cmd/task.go
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/session"
)

// The task subcommands are thin HTTP clients against the serve process's
// status API; the serve process owns the bus and the session mirror.

var (
	taskURL     string
	taskContext string
	taskKeep    bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Start, inspect, and stop agent tasks",
}

var taskStartCmd = &cobra.Command{
	Use:   "start <description>",
	Short: "Start a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := protocol.JSON.MarshalToString(map[string]string{
			"task":    strings.Join(args, " "),
			"url":     taskURL,
			"context": taskContext,
		})
		if err != nil {
			return err
		}

		resp, err := apiClient().Post(apiURL("/tasks"), "application/json", strings.NewReader(body))
		if err != nil {
			return fmt.Errorf("is `agentbus serve` running? %w", err)
		}
		defer resp.Body.Close()

		var s session.Session
		if err := decodeAPIResponse(resp, http.StatusCreated, &s); err != nil {
			return err
		}
		fmt.Printf("started session %s (%s)\n", s.ID, s.State)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one session, or list all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			resp, err := apiClient().Get(apiURL("/sessions"))
			if err != nil {
				return fmt.Errorf("is `agentbus serve` running? %w", err)
			}
			defer resp.Body.Close()

			var all []session.Session
			if err := decodeAPIResponse(resp, http.StatusOK, &all); err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range all {
				fmt.Printf("%s  %-10s  %s\n", s.ID, s.State, s.Task)
			}
			return nil
		}

		resp, err := apiClient().Get(apiURL("/sessions/" + args[0]))
		if err != nil {
			return fmt.Errorf("is `agentbus serve` running? %w", err)
		}
		defer resp.Body.Close()

		var s session.Session
		if err := decodeAPIResponse(resp, http.StatusOK, &s); err != nil {
			return err
		}
		printSession(&s)
		return nil
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := apiURL("/sessions/" + args[0])
		if taskKeep {
			url += "?keep=true"
		}
		req, err := http.NewRequest(http.MethodDelete, url, nil)
		if err != nil {
			return err
		}
		resp, err := apiClient().Do(req)
		if err != nil {
			return fmt.Errorf("is `agentbus serve` running? %w", err)
		}
		defer resp.Body.Close()

		if err := decodeAPIResponse(resp, http.StatusNoContent, nil); err != nil {
			return err
		}
		fmt.Println("stopped")
		return nil
	},
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func apiURL(path string) string {
	return "http://" + appCfg.Serve.Addr + path
}

func decodeAPIResponse(resp *http.Response, wantStatus int, out any) error {
	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if protocol.JSON.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return protocol.JSON.NewDecoder(resp.Body).Decode(out)
}

func printSession(s *session.Session) {
	fmt.Printf("session:  %s\n", s.ID)
	fmt.Printf("state:    %s\n", s.State)
	fmt.Printf("task:     %s\n", s.Task)
	if s.CurrentStep != "" {
		fmt.Printf("step:     %s\n", s.CurrentStep)
	}
	if s.Answer != "" {
		fmt.Printf("answer:   %s\n", s.Answer)
	}
	if s.Error != "" {
		fmt.Printf("error:    %s\n", s.Error)
	}
	if len(s.PendingQuestions) > 0 {
		fmt.Println("waiting on:")
		for _, q := range s.PendingQuestions {
			fmt.Printf("  - %s\n", q.Prompt)
		}
	}
	if len(s.ExecutionTrace) > 0 {
		fmt.Println("trace:")
		for _, entry := range s.ExecutionTrace {
			mark := "ok"
			if !entry.Success {
				mark = "FAIL"
			}
			fmt.Printf("  [%s] %-4s %s\n", entry.Timestamp.Format(time.TimeOnly), mark, entry.Description)
		}
	}
}

func init() {
	taskStartCmd.Flags().StringVar(&taskURL, "url", "", "start URL for the task")
	taskStartCmd.Flags().StringVar(&taskContext, "context", "", "extra free-text context for the planner")
	taskStopCmd.Flags().BoolVar(&taskKeep, "keep", false, "cancel but keep the session queryable")

	taskCmd.AddCommand(taskStartCmd, taskStatusCmd, taskStopCmd)
	rootCmd.AddCommand(taskCmd)
}
