package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/notebase/internal/config"
	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Create, inspect and edit notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Capture a note",
	Long: `Capture a note. The note is stored immediately and enriched in the background.

Examples:
  notebase note add --text "Quarterly roadmap review" --project "Q3 Planning"
  notebase note add --url https://example.com/article
  notebase note add --file ./meeting.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		project, _ := cmd.Flags().GetString("project")
		workspace, _ := cmd.Flags().GetString("workspace")

		if text == "" && link == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp *http.Response
		if file != "" {
			resp, err = client.upload(cmd.Context(), "/notes", file, map[string]string{
				"workspace_id": workspace,
				"content":      text,
				"project":      project,
			})
		} else {
			resp, err = client.post(cmd.Context(), "/notes", map[string]any{
				"workspace_id": workspace,
				"content":      text,
				"source_url":   link,
				"project":      project,
			})
		}
		if err != nil {
			return err
		}

		var n storage.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Stored note %s (enrichment %s)", n.ID, n.Status)
		return nil
	},
}

var noteGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/notes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var n storage.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		if asJSON {
			return writeIndented(cmd, n)
		}
		printNote(cmd.OutOrStdout(), n)
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"project", "status", "workspace"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				key := name
				if name == "workspace" {
					key = "workspace_id"
				}
				q.Set(key, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/notes?"+q.Encode())
		if err != nil {
			return err
		}

		var list []storage.Note
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No notes.")
			return nil
		}
		w := cmd.OutOrStdout()
		for _, n := range list {
			label := n.Summary
			if label == "" {
				label = firstLine(n.Content, 80)
			}
			fmt.Fprintf(w, "%s  %-9s r%-3d %s\n", n.ID, n.Status, n.Revision, label)
		}
		return nil
	},
}

var noteUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a note's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		if (text == "") == (file == "") {
			return fmt.Errorf("exactly one of --text or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}

		body := map[string]any{"content": text}
		if cmd.Flags().Changed("base-revision") {
			rev, _ := cmd.Flags().GetInt64("base-revision")
			body["base_revision"] = rev
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return patchNote(cmd, client, args[0], body)
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a note's content in $EDITOR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/notes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var n storage.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "notebase-note-*.md")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := tmpFile.WriteString(n.Content); err != nil {
			tmpFile.Close()
			return err
		}
		tmpFile.Close()

		editorCmd := exec.Command(editor, tmpPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		edited, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		if string(edited) == n.Content {
			printWarning("No changes")
			return nil
		}

		// The edit only applies if nobody changed the note meanwhile.
		return patchNote(cmd, client, n.ID, map[string]any{
			"content":       string(edited),
			"base_revision": n.Revision,
		})
	},
}

func patchNote(cmd *cobra.Command, client *apiClient, id string, body map[string]any) error {
	resp, err := client.patch(cmd.Context(), "/notes/"+url.PathEscape(id), body)
	if err != nil {
		return err
	}

	var n storage.Note
	err = decodeJSON(resp, &n)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		var current storage.Note
		if json.Unmarshal(apiErr.Current, &current) == nil {
			return fmt.Errorf("note %s was changed by someone else (now at revision %d); re-read it and try again", id, current.Revision)
		}
	}
	if err != nil {
		return err
	}

	printSuccess("Updated note %s to revision %d", n.ID, n.Revision)
	return nil
}

var noteDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a note and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/notes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted note %s", args[0])
		return nil
	},
}

var noteRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry enrichment of a note whose job failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Requeued job %s (attempt %d of %d so far)", job.ID, job.AttemptCount, job.MaxAttempts)
		return nil
	},
}

func init() {
	noteAddCmd.Flags().String("text", "", "note text")
	noteAddCmd.Flags().String("url", "", "link to capture")
	noteAddCmd.Flags().String("file", "", "file to upload (text, markdown, HTML, PDF or image)")
	noteAddCmd.Flags().String("project", "", "project to file the note under")
	noteAddCmd.Flags().String("workspace", "", "workspace (default: default)")

	noteGetCmd.Flags().Bool("json", false, "print the note as JSON")

	noteListCmd.Flags().String("project", "", "only notes in this project")
	noteListCmd.Flags().String("status", "", "only notes in this status (pending, enriching, ready, failed)")
	noteListCmd.Flags().String("workspace", "", "workspace (default: default)")
	noteListCmd.Flags().Int("limit", 20, "maximum number of notes")

	noteUpdateCmd.Flags().String("text", "", "new note text")
	noteUpdateCmd.Flags().String("file", "", "read new note text from a file")
	noteUpdateCmd.Flags().Int64("base-revision", 0, "reject the update unless the note is still at this revision")

	noteCmd.AddCommand(noteAddCmd, noteGetCmd, noteListCmd, noteUpdateCmd, noteEditCmd, noteDeleteCmd, noteRetryCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))
		if project, _ := cmd.Flags().GetString("project"); project != "" {
			q.Set("project", project)
		}
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			q.Set("mode", mode)
		}
		if md, _ := cmd.Flags().GetBool("markdown"); md {
			q.Set("include_markdown", "true")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var result search.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeIndented(cmd, result)
		}
		printCitations(cmd.OutOrStdout(), result)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", search.DefaultLimit, "maximum number of results")
	searchCmd.Flags().String("project", "", "only search this project")
	searchCmd.Flags().String("mode", "", "ranking mode: hybrid (default) or lexical")
	searchCmd.Flags().Bool("markdown", false, "include markdown content in results")
	searchCmd.Flags().Bool("json", false, "print the raw response as JSON")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the enrichment queue",
}

var queueCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue/counts")
		if err != nil {
			return err
		}
		var counts storage.QueueCounts
		if err := decodeJSON(resp, &counts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatCounts(counts))
		return nil
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs that exhausted their attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/queue/failed?limit=%d", limit))
		if err != nil {
			return err
		}
		var jobs []storage.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs.")
			return nil
		}
		w := cmd.OutOrStdout()
		for _, j := range jobs {
			fmt.Fprintf(w, "%s  note %s  attempts %d/%d  %s\n", j.ID, j.NoteID, j.AttemptCount, j.MaxAttempts, firstLine(j.LastError, 100))
		}
		return nil
	},
}

func init() {
	queueFailedCmd.Flags().Int("limit", 20, "maximum number of jobs")
	queueCmd.AddCommand(queueCountsCmd, queueFailedCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Stored in %s\n", config.Location())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.Source+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Set a configuration value",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConfigKey,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:               "unset <key>",
	Short:             "Remove a configuration value so its default applies",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConfigKey,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func completeConfigKey(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var keys []string
	for _, k := range config.ValidKeys() {
		if strings.HasPrefix(k, toComplete) {
			keys = append(keys, k)
		}
	}
	return keys, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

func writeIndented(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// firstLine returns the first line of s, cut to max runes.
func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
