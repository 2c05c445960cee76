package presenter

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aide-sh/aide/pkg/chats"
)

func TestNewWithOptions(t *testing.T) {
	var output, errorOutput bytes.Buffer
	p := NewWithOptions(&output, &errorOutput, ColorNever)

	assert.Equal(t, &output, p.output)
	assert.Equal(t, &errorOutput, p.errorOutput)
	assert.Equal(t, ColorNever, p.colorMode)
	assert.False(t, p.quiet)
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name      string
		noColor   string
		aideColor string
		expected  ColorMode
	}{
		{"NO_COLOR set", "1", "", ColorNever},
		{"AIDE_COLOR always", "", "always", ColorAlways},
		{"AIDE_COLOR force", "", "force", ColorAlways},
		{"AIDE_COLOR never", "", "never", ColorNever},
		{"AIDE_COLOR off", "", "off", ColorNever},
		{"default", "", "", ColorAuto},
		{"invalid value", "", "sometimes", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("AIDE_COLOR", tt.aideColor)
			if tt.noColor == "" {
				os.Unsetenv("NO_COLOR")
			}
			if tt.aideColor == "" {
				os.Unsetenv("AIDE_COLOR")
			}
			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestQuietModeSuppressesOutput(t *testing.T) {
	var output, errorOutput bytes.Buffer
	p := NewWithOptions(&output, &errorOutput, ColorNever)
	p.SetQuiet(true)

	p.Success("done")
	p.Warning("careful")
	p.Info("note")
	p.Section("header")
	p.Separator()
	assert.Empty(t, output.String())

	// Errors always print.
	p.Error(errors.New("boom"), "loading")
	assert.Contains(t, errorOutput.String(), "boom")
	assert.Contains(t, errorOutput.String(), "loading")
}

func TestStats(t *testing.T) {
	var output bytes.Buffer
	p := NewWithOptions(&output, &output, ColorNever)

	p.Stats(ConvertUsage(chats.Usage{
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.1234,
		Turns:        3,
	}))

	out := output.String()
	assert.Contains(t, out, "Input: 100")
	assert.Contains(t, out, "Output: 50")
	assert.Contains(t, out, "Total: 150")
	assert.Contains(t, out, "$0.1234 over 3 turns")

	output.Reset()
	p.Stats(nil)
	assert.Empty(t, output.String())
}

func TestErrorNilIsNoop(t *testing.T) {
	var errorOutput bytes.Buffer
	p := NewWithOptions(&bytes.Buffer{}, &errorOutput, ColorNever)
	p.Error(nil, "context")
	assert.Empty(t, errorOutput.String())
}
