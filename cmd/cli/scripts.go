package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

func scriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scripts",
		Aliases: []string{"script"},
		Short:   "Manage stored scripts",
	}

	var tag, search string
	list := &cobra.Command{
		Use:   "list",
		Short: "List scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api.ListScripts(cmd.Context(), tag, search)
			if err != nil {
				return fmt.Errorf("failed to list scripts: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, headStyle.Render("ID")+"\t"+headStyle.Render("NAME")+"\t"+
				headStyle.Render("TAGS")+"\t"+headStyle.Render("UPDATED"))
			for _, s := range resp.Scripts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name,
					dimStyle.Render(strings.Join(s.Tags, ",")), s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			w.Flush()
			fmt.Println(dimStyle.Render(fmt.Sprintf("%d script(s)", resp.Total)))
			return nil
		},
	}
	list.Flags().StringVar(&tag, "tag", "", "Only scripts with this tag")
	list.Flags().StringVar(&search, "search", "", "Match name or description")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := api.GetScript(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get script: %w", err)
			}
			fmt.Println(titleStyle.Render(s.Name))
			fmt.Printf("%s %s\n", keyStyle.Render("id"), s.ID)
			if s.Description != "" {
				fmt.Printf("%s %s\n", keyStyle.Render("description"), s.Description)
			}
			if len(s.Tags) > 0 {
				fmt.Printf("%s %s\n", keyStyle.Render("tags"), strings.Join(s.Tags, ", "))
			}
			fmt.Println()
			fmt.Println(s.Content)
			return nil
		},
	}

	var name, description, file string
	var tags []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a script from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(file)
			if err != nil {
				return err
			}
			s, err := api.CreateScript(cmd.Context(), storage.ScriptInput{
				Name:        name,
				Description: description,
				Content:     content,
				Tags:        tags,
			})
			if err != nil {
				return fmt.Errorf("failed to create script: %w", err)
			}
			fmt.Printf("%s created %s %s\n", okStyle.Render("✓"), s.Name, dimStyle.Render(s.ID))
			printWarnings(s.Warnings)
			return nil
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "Script name")
	create.Flags().StringVarP(&description, "description", "d", "", "Description")
	create.Flags().StringVarP(&file, "file", "f", "-", "Script file, - for stdin")
	create.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Tags")
	_ = create.MarkFlagRequired("name")

	var editFile string
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a script's content from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(editFile)
			if err != nil {
				return err
			}
			s, err := api.UpdateScript(cmd.Context(), args[0], storage.ScriptPatch{Content: &content})
			if err != nil {
				return fmt.Errorf("failed to update script: %w", err)
			}
			fmt.Printf("%s updated %s\n", okStyle.Render("✓"), s.Name)
			printWarnings(s.Warnings)
			return nil
		},
	}
	edit.Flags().StringVarP(&editFile, "file", "f", "-", "Script file, - for stdin")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.DeleteScript(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete script: %w", err)
			}
			fmt.Printf("%s deleted %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, create, edit, del)
	return cmd
}

func readContent(file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}

func printWarnings(findings []monitor.Finding) {
	for _, f := range findings {
		fmt.Printf("  %s line %d: %s %s\n", warnStyle.Render("!"), f.Line, f.Detail, dimStyle.Render("("+f.Rule+")"))
	}
}
