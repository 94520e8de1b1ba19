package main

import (
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestCommandsRequireDatabase(t *testing.T) {
	t.Setenv("DATABASE_URI", "")

	tests := []struct {
		name string
		cmd  func() *cobra.Command
		args []string
	}{
		{name: "backfill", cmd: backfillCmd, args: []string{"--dry-run"}},
		{name: "audit", cmd: auditCmd, args: []string{"--json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.cmd()
			cmd.SetArgs(tt.args)
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)

			err := cmd.Execute()
			assert.ErrorIs(t, err, errNoDatabase)
		})
	}
}
