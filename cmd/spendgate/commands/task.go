package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/scheduler"
)

// NewTaskCommand creates the processing task inspection command.
func NewTaskCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage processing tasks",
		Long:  "Submit, list, show, and cancel background processing tasks",
	}

	cmd.AddCommand(newTaskSubmitCommand(ctx))
	cmd.AddCommand(newTaskListCommand(ctx))
	cmd.AddCommand(newTaskStatusCommand(ctx))
	cmd.AddCommand(newTaskCancelCommand(ctx))

	return cmd
}

func newTaskSubmitCommand(ctx context.Context) *cobra.Command {
	var tenantID, sessionKey, operation, tier string
	var complexity int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task and follow it to completion",
		Long:  "Run a processing task with an in-process runner, printing progress frames until the task reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			taskTier := models.TaskTier(tier)
			if !taskTier.Valid() {
				return fmt.Errorf("invalid tier %q", tier)
			}

			sched := scheduler.New(db, nil, scheduler.Config{}, cliLogger())
			task, err := sched.Submit(ctx, scheduler.SubmitRequest{
				TenantID:        tenantID,
				SessionKey:      sessionKey,
				OperationType:   operation,
				ComplexityScore: complexity,
				Tier:            taskTier,
			})
			if err != nil {
				return fmt.Errorf("failed to submit task: %w", err)
			}

			fmt.Printf("Task %s submitted (optimized duration %ds)\n", task.ID, task.OptimizedDurationS)

			// The runner lives in this process, so stay attached until the
			// task finishes; exiting early would orphan it mid-stage.
			frames, err := sched.Stream(ctx, task.ID, 0)
			if err != nil {
				return fmt.Errorf("failed to stream task: %w", err)
			}
			for frame := range frames {
				if outputJSON {
					OutputJSON(frame)
					continue
				}
				fmt.Printf("  %3d%%  %-12s  %s\n", frame.Progress, frame.CurrentStage, frame.Status)
			}

			final, err := sched.Get(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("failed to reload task: %w", err)
			}
			fmt.Printf("Task %s %s\n", final.ID, final.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "Session key (required)")
	cmd.Flags().StringVar(&operation, "operation", "generic", "Operation type")
	cmd.Flags().IntVar(&complexity, "complexity", 1, "Complexity score")
	cmd.Flags().StringVar(&tier, "tier", string(models.TaskTierStandard), "Task tier (standard|priority|premium|enterprise)")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("session-key")

	return cmd
}

func newTaskListCommand(ctx context.Context) *cobra.Command {
	var tenantID string
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "List active tasks, or all recent tasks with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			query := db.WithContext(ctx).Model(&models.ProcessingTask{})
			if tenantID != "" {
				query = query.Where("tenant_id = ?", tenantID)
			}
			if !all {
				query = query.Where("status IN ?", []models.TaskStatus{
					models.TaskStatusQueued, models.TaskStatusProcessing,
				})
			}

			var tasks []models.ProcessingTask
			if err := query.Order("created_at DESC").Limit(50).Find(&tasks).Error; err != nil {
				return fmt.Errorf("failed to list tasks: %w", err)
			}

			if outputJSON {
				OutputJSON(tasks)
				return nil
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found")
				return nil
			}

			headers := []string{"ID", "Tenant", "Session", "Operation", "Tier", "Status", "Progress"}
			var rows [][]string
			for _, task := range tasks {
				rows = append(rows, []string{
					task.ID.String(),
					task.TenantID,
					task.SessionKey,
					task.OperationType,
					string(task.Tier),
					string(task.Status),
					strconv.Itoa(task.Progress) + "%",
				})
			}
			OutputTable(headers, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Filter by tenant")
	cmd.Flags().BoolVar(&all, "all", false, "Include terminal tasks")

	return cmd
}

func newTaskStatusCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task ID: %w", err)
			}

			var task models.ProcessingTask
			if err := db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
				return fmt.Errorf("task not found: %w", err)
			}

			if outputJSON {
				OutputJSON(task)
				return nil
			}

			fmt.Printf("Task %s:\n", task.ID)
			fmt.Printf("  Tenant: %s\n", task.TenantID)
			fmt.Printf("  Session: %s\n", task.SessionKey)
			fmt.Printf("  Operation: %s (complexity %d)\n", task.OperationType, task.ComplexityScore)
			fmt.Printf("  Tier: %s\n", task.Tier)
			fmt.Printf("  Status: %s\n", task.Status)
			fmt.Printf("  Progress: %d%% (%s)\n", task.Progress, task.CurrentStage)
			fmt.Printf("  Estimated: %ds, Optimized: %ds\n", task.EstimatedDurationS, task.OptimizedDurationS)
			if task.StartedAt != nil {
				fmt.Printf("  Started: %s\n", task.StartedAt.Format(time.RFC3339))
			}
			if task.CompletedAt != nil {
				fmt.Printf("  Completed: %s\n", task.CompletedAt.Format(time.RFC3339))
			}
			if task.FailureReason != "" {
				fmt.Printf("  Failure: %s\n", task.FailureReason)
			}
			return nil
		},
	}

	return cmd
}

func newTaskCancelCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued task",
		Long:  "Mark a queued task cancelled; a task already processing must be cancelled through the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task ID: %w", err)
			}

			now := time.Now().UTC()
			result := db.WithContext(ctx).Model(&models.ProcessingTask{}).
				Where("id = ? AND status = ?", taskID, models.TaskStatusQueued).
				Updates(map[string]interface{}{
					"status":       models.TaskStatusCancelled,
					"completed_at": now,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to cancel task: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("task %s is not queued; use the API to cancel a running task", taskID)
			}

			fmt.Printf("Task %s cancelled\n", taskID)
			return nil
		},
	}

	return cmd
}
