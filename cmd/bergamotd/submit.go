package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CRJFisher/bergamot/internal/config"
	"github.com/CRJFisher/bergamot/internal/engine"
	"github.com/CRJFisher/bergamot/internal/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one visit payload read as JSON from stdin (developer/debugging shim)",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		var payload types.NewVisitPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return writeSchemaError(fmt.Sprintf("invalid JSON: %v", err))
		}

		cfg, _, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := context.Background()
		eng, err := engine.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}
		eng.Start(ctx)
		defer func() {
			// Give the single-consumer processor one batch-timeout
			// window to pick the item up before the process exits,
			// since this shim does not stay resident like `serve`.
			time.Sleep(cfg.BatchTimeout() + 100*time.Millisecond)
			_ = eng.Stop()
		}()

		result, err := eng.Submit(payload)
		if err != nil {
			var schemaErr *engine.SchemaError
			if errors.As(err, &schemaErr) {
				return writeSchemaError(schemaErr.Error())
			}
			return fmt.Errorf("submit: %w", err)
		}

		return json.NewEncoder(os.Stdout).Encode(result)
	},
}

// writeSchemaError prints spec §6's `{error, details}` response to
// stdout and returns a non-nil error so main sets a non-zero exit code.
func writeSchemaError(details string) error {
	_ = json.NewEncoder(os.Stdout).Encode(map[string]string{
		"error":   "schema",
		"details": details,
	})
	return fmt.Errorf("schema error: %s", details)
}
