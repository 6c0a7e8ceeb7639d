package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/edgewire/edgesync/pkg/api"
	"github.com/edgewire/edgesync/pkg/config"
)

var (
	statusAPIPort int
	statusOutput  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's endpoint status",
	Long: `Query the local introspection API of a running agent and display the
endpoint identity, registration and attachment state.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", config.DefaultAPIPort, "introspection API port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table|json)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st api.StatusResponse
	if err := getJSON(statusAPIPort, "/api/v1/status", &st); err != nil {
		return fmt.Errorf("agent not reachable on port %d: %w", statusAPIPort, err)
	}

	if statusOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Endpoint ID", st.EndpointID})
	table.Append([]string{"Registered", fmt.Sprintf("%t", st.Registered)})
	table.Append([]string{"Attached", fmt.Sprintf("%t", st.Attached)})
	if st.AttachedUser != "" {
		table.Append([]string{"Attached user", st.AttachedUser})
	}
	table.Append([]string{"Recoverable", fmt.Sprintf("%t", st.Recoverable)})
	table.Render()
	return nil
}

// getJSON fetches one introspection API resource from the running agent.
func getJSON(port int, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
