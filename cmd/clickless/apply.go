package main

import (
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"
)

// newApplyCmd registers a workflow definition from a YAML file, creating
// the workflow on first apply and publishing a new version afterwards.
func newApplyCmd() *cobra.Command {
	var file string
	var server string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a workflow from a YAML definition file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			body, err := yaml.YAMLToJSON(raw)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}

			name := gjson.GetBytes(body, "name").String()
			if name == "" {
				return fmt.Errorf("%s is missing a workflow name", file)
			}

			client := resty.New().SetBaseURL(server)
			resp, err := client.R().
				SetHeader("Content-Type", "application/json").
				SetBody(body).
				Post("/api/v1/workflows")
			if err != nil {
				return err
			}

			// An existing workflow gets a new version instead.
			if resp.StatusCode() == 409 {
				workflowID, err := findWorkflowID(client, name)
				if err != nil {
					return err
				}
				resp, err = client.R().
					SetHeader("Content-Type", "application/json").
					SetBody(map[string]any{"definition": gjson.GetBytes(body, "definition").Value()}).
					Post(fmt.Sprintf("/api/v1/workflows/%s/versions", workflowID))
				if err != nil {
					return err
				}
			}

			if resp.IsError() {
				return fmt.Errorf("server rejected %s: %s", file, resp.String())
			}
			cmd.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (required)")
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "api base URL")
	cmd.MarkFlagRequired("file")
	return cmd
}

func findWorkflowID(client *resty.Client, name string) (string, error) {
	resp, err := client.R().Get("/api/v1/workflows")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("listing workflows: %s", resp.String())
	}
	for _, wf := range gjson.ParseBytes(resp.Body()).Array() {
		if wf.Get("name").String() == name {
			return wf.Get("id").String(), nil
		}
	}
	return "", fmt.Errorf("workflow %q not found on server", name)
}
