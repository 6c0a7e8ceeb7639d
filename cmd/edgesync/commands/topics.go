package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/edgewire/edgesync/pkg/api"
	"github.com/edgewire/edgesync/pkg/config"
)

var (
	topicsAPIPort int
	topicsOutput  string
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the notification topics known to the running agent",
	RunE:  runTopics,
}

func init() {
	topicsCmd.Flags().IntVar(&topicsAPIPort, "api-port", config.DefaultAPIPort, "introspection API port")
	topicsCmd.Flags().StringVarP(&topicsOutput, "output", "o", "table", "output format (table|json)")
}

func runTopics(cmd *cobra.Command, args []string) error {
	var topics []api.TopicResponse
	if err := getJSON(topicsAPIPort, "/api/v1/topics", &topics); err != nil {
		return fmt.Errorf("agent not reachable on port %d: %w", topicsAPIPort, err)
	}

	if topicsOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(topics)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Kind", "Seq"})
	table.SetBorder(false)
	for _, t := range topics {
		table.Append([]string{
			fmt.Sprintf("%d", t.ID),
			t.Name,
			t.Kind,
			fmt.Sprintf("%d", t.Seq),
		})
	}
	table.Render()
	return nil
}
