package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunner_Allowlist(t *testing.T) {
	r := NewCommandRunner(time.Second, "ls")

	assert.True(t, r.Allowed("osascript"))
	assert.True(t, r.Allowed("/usr/bin/osascript"))
	assert.True(t, r.Allowed("ls"))
	assert.False(t, r.Allowed("rm"))

	_, err := r.Run(context.Background(), "rm", "-rf", "/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandNotAllowed))
}

func TestCommandRunner_RunEcho(t *testing.T) {
	r := NewCommandRunner(5 * time.Second)

	out, err := r.Run(context.Background(), "echo", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestCommandRunner_EmptyCommand(t *testing.T) {
	r := NewCommandRunner(0)
	_, err := r.Run(context.Background(), "  ")
	require.Error(t, err)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		input    string
		wantBin  string
		wantArgs []string
		wantErr  bool
	}{
		{
			name:     "placeholder substitution",
			command:  "say -v Alex {{input}}",
			input:    "good morning; rm -rf /",
			wantBin:  "say",
			wantArgs: []string{"-v", "Alex", "good morning; rm -rf /"},
		},
		{
			name:     "no placeholder",
			command:  "date +%H:%M",
			wantBin:  "date",
			wantArgs: []string{"+%H:%M"},
		},
		{
			name:    "pipe rejected",
			command: "echo hi | sh",
			wantErr: true,
		},
		{
			name:    "empty",
			command: "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args, err := Split(tt.command, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBin, bin)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
