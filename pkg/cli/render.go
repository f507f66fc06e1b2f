// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/pipeline"
)

func newRenderCommand() *cobra.Command {
	var (
		templateID string
		data       string
		catalog    string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a template locally without sending it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			values := map[string]any{}
			if data != "" {
				dec := json.NewDecoder(bytes.NewReader([]byte(data)))
				dec.UseNumber()
				if err := dec.Decode(&values); err != nil {
					return fmt.Errorf("parsing --data: %w", err)
				}
			}

			renderer, err := pipeline.NewRenderer(config.Templates{Catalog: catalog})
			if err != nil {
				return err
			}
			msg, err := renderer.Render(templateID, values)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Subject: %s\nContent-Type: %s\n\n%s\n", msg.Subject, msg.ContentType, msg.Body)
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", "", "Template id")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Template data as a JSON object")
	cmd.Flags().StringVar(&catalog, "catalog", "", "Catalog directory (default: embedded catalog)")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}
