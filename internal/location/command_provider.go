package location

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandProvider obtains positions by running an external locator command
// that prints a JSON object, the contract of termux-location and similar
// tools on field devices
type CommandProvider struct {
	command string
	args    []string
}

// commandOutput mirrors the termux-location JSON shape
type commandOutput struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
}

func NewCommandProvider(command string, args []string) *CommandProvider {
	return &CommandProvider{command: command, args: args}
}

// CurrentPosition runs the locator command and parses its output. highAccuracy
// selects the GPS provider over the network provider.
func (p *CommandProvider) CurrentPosition(ctx context.Context, highAccuracy bool) (*Sample, error) {
	args := append([]string{}, p.args...)
	if highAccuracy {
		args = append(args, "-p", "gps")
	} else {
		args = append(args, "-p", "network")
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, classifyCommandError(err, stderr.String())
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable locator output", ErrPositionUnavailable)
	}

	return &Sample{
		Latitude:       out.Latitude,
		Longitude:      out.Longitude,
		AccuracyMeters: out.Accuracy,
		CapturedAt:     time.Now(),
	}, nil
}

func classifyCommandError(err error, stderr string) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// locator binary not installed on this device
		return ErrUnsupported
	}

	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission"):
		return ErrPermissionDenied
	case strings.Contains(msg, "disabled"), strings.Contains(msg, "unavailable"):
		return ErrPositionUnavailable
	default:
		return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
}
