package main

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/haasonsaas/agentrt/internal/agent"
	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Paris; defaults to UTC"`
}

type textStatsArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to measure"`
}

// now is swapped in tests.
var now = time.Now

// builtinTools returns the tools every run exposes to the model.
func builtinTools() ([]agent.Tool, error) {
	clock, err := agent.NewFuncTool("current_time",
		"Returns the current date and time in RFC 3339 format.",
		func(ctx context.Context, args currentTimeArgs) (string, error) {
			loc := time.UTC
			if tz := strings.TrimSpace(args.Timezone); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		})
	if err != nil {
		return nil, err
	}

	stats, err := agent.NewFuncTool("text_stats",
		"Counts characters, words and estimated tokens in a piece of text.",
		func(ctx context.Context, args textStatsArgs) (string, error) {
			words := len(strings.FieldsFunc(args.Text, unicode.IsSpace))
			return fmt.Sprintf("characters=%d words=%d tokens=%d",
				len([]rune(args.Text)), words, ctxwindow.EstimateTokens(args.Text)), nil
		})
	if err != nil {
		return nil, err
	}

	return []agent.Tool{clock, stats}, nil
}
