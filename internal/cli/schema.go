package cli

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

// schemaTargets maps the schema command's argument to the type it describes.
var schemaTargets = map[string]func(*jsonschema.Reflector) *jsonschema.Schema{
	"batch": func(r *jsonschema.Reflector) *jsonschema.Schema { return r.Reflect(&scheduler.Batch{}) },
	"skill": func(r *jsonschema.Reflector) *jsonschema.Schema { return r.Reflect(&skills.Skill{}) },
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "schema batch|skill",
		Short:     "Print the JSON schema of a batch file or a skill bundle",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"batch", "skill"},
		RunE: func(cmd *cobra.Command, args []string) error {
			reflector := &jsonschema.Reflector{
				DoNotReference: true,
			}
			schema := schemaTargets[args[0]](reflector)

			data, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding schema: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
