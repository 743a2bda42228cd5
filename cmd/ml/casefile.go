package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"missionline/internal/app"
	"missionline/internal/casefile"
	"missionline/internal/command"
	"missionline/internal/domain"
)

const cliSource = "CLI"

func casefileCmd() *cobra.Command {
	cf := &cobra.Command{Use: "casefile", Aliases: []string{"cf"}, Short: "Manage casefiles"}
	cf.AddCommand(casefileCreateCmd())
	cf.AddCommand(casefileListCmd())
	cf.AddCommand(casefileShowCmd())
	cf.AddCommand(casefileUpdateCmd())
	cf.AddCommand(casefileDeleteCmd())
	cf.AddCommand(casefileStatusCmd())
	return cf
}

func casefileCreateCmd() *cobra.Command {
	var name, description, id, parent string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a casefile",
		Long:  "Create a casefile owned by --user-id. With --parent the new casefile is linked under an existing one you can write to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"name": name, "description": description}
			if id != "" {
				payload["casefile_id"] = id
			}
			if parent != "" {
				payload["parent_id"] = parent
			}
			if len(tags) > 0 {
				payload["tags"] = tags
			}
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.CreateCasefile, cliSource, payload)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Result)
				}
				fmt.Println(res.Result["casefile_id"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "casefile name")
	cmd.Flags().StringVar(&description, "description", "", "mission description")
	cmd.Flags().StringVar(&id, "id", "", "explicit casefile id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent casefile id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func casefileListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List top-level casefiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				var items []domain.Casefile
				var err error
				if all {
					items, err = a.Store.ListAll(ctx)
				} else {
					items, err = a.Store.ListTopLevel(ctx)
				}
				if err != nil {
					return err
				}
				summaries := make([]casefile.Summary, 0, len(items))
				for _, cf := range items {
					summaries = append(summaries, casefile.Summarize(cf))
				}
				return printSummaries(summaries)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include sub-casefiles")
	return cmd
}

func casefileStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every casefile with its derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				summaries, err := a.Store.ListWithStatus(ctx)
				if err != nil {
					return err
				}
				return printSummaries(summaries)
			})
		},
	}
}

func printSummaries(items []casefile.Summary) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	rows := make([]table.Row, 0, len(items))
	for _, s := range items {
		rows = append(rows, table.Row{s.ID, s.Name, s.OwnerID, s.Status, s.ParentID, len(s.SubCasefileIDs), s.ModifiedAt})
	}
	renderTable(table.Row{"ID", "Name", "Owner", "Status", "Parent", "Subs", "Modified"}, rows)
	return nil
}

func casefileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a casefile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.GetCasefile, cliSource, map[string]any{"casefile_id": args[0]})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Result)
			})
		},
	}
}

func casefileUpdateCmd() *cobra.Command {
	var sets []string
	var file string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Merge field updates into a casefile",
		Long: `Each --set takes field=value. JSON values keep their type, so
--set 'tags=["urgent"]' extends the tag list and --set name=Renamed overwrites the name.
--file reads a YAML mapping of field updates, for example a workflow to append:

  workflows:
    - workflow_id: wf-1
      elements: [...]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := map[string]any{}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &updates); err != nil {
					return fmt.Errorf("invalid updates file %s: %w", file, err)
				}
			}
			assigned, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			for k, v := range assigned {
				updates[k] = v
			}
			if len(updates) == 0 {
				return fmt.Errorf("at least one --set or --file required")
			}
			updates["casefile_id"] = args[0]
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.UpdateCasefile, cliSource, updates)
				if err != nil {
					return err
				}
				if ignored, ok := res.Result["ignored_fields"]; ok && !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "ignored fields: %v\n", ignored)
				}
				return printJSONOrTable(res.Result)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "YAML file with field updates")
	return cmd
}

func casefileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a casefile (admin only; sub-casefiles are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.DeleteCasefile, cliSource, map[string]any{"casefile_id": args[0]})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Result)
			})
		},
	}
}

func aclCmd() *cobra.Command {
	acl := &cobra.Command{Use: "acl", Short: "Manage casefile access"}
	acl.AddCommand(aclGrantCmd())
	acl.AddCommand(aclRevokeCmd())
	return acl
}

func aclGrantCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "grant <casefile-id>",
		Short: "Grant reader, writer or admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.GrantAccess, cliSource, map[string]any{
					"casefile_id":      args[0],
					"user_id_to_grant": user,
					"role":             role,
				})
				if err != nil {
					return err
				}
				return printACL(res.Result)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to grant")
	cmd.Flags().StringVar(&role, "role", "reader", "reader, writer or admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func aclRevokeCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "revoke <casefile-id>",
		Short: "Revoke a user's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.RevokeAccess, cliSource, map[string]any{
					"casefile_id":       args[0],
					"user_id_to_revoke": user,
				})
				if err != nil {
					return err
				}
				return printACL(res.Result)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to revoke")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printACL(res map[string]any) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	acl, _ := res["acl"].(map[string]any)
	rows := make([]table.Row, 0, len(acl))
	for user, role := range acl {
		rows = append(rows, table.Row{user, role})
	}
	renderTable(table.Row{"User", "Role"}, rows)
	return nil
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Casefile event log"}
	var source, eventType, content string
	logCmd := &cobra.Command{
		Use:   "log <casefile-id>",
		Short: "Append an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatch(ctx, userID(), command.LogEvent, cliSource, map[string]any{
					"casefile_id": args[0],
					"source":      source,
					"event_type":  eventType,
					"content":     content,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Result)
			})
		},
	}
	logCmd.Flags().StringVar(&source, "source", "", "USER, CHAT_AGENT or PROCESSOR_AGENT (default USER)")
	logCmd.Flags().StringVar(&eventType, "type", "", "event type (default SYSTEM_LOG)")
	logCmd.Flags().StringVar(&content, "content", "", "event content")
	evt.AddCommand(logCmd)
	return evt
}
