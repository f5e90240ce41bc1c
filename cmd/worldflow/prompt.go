package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/deepnoodle-ai/worldflow"
)

// promptRequest asks the questions of a request in the terminal.
func promptRequest(ctx context.Context, req *worldflow.SuspensionRequest) (worldflow.ResumptionInput, error) {
	input := worldflow.ResumptionInput{RequestID: req.ID}
	if req.AllowSkip {
		var skip bool
		confirm := huh.NewConfirm().
			Title("The workflow has a question").
			Description(req.PromptContext).
			Affirmative("Skip").
			Negative("Answer").
			Value(&skip)
		if err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(ctx); err != nil {
			return input, err
		}
		if skip {
			input.Skipped = true
			return input, nil
		}
	}

	texts := map[string]*string{}
	choices := map[string]*[]string{}
	fields := make([]huh.Field, 0, len(req.Fields))
	for _, f := range req.Fields {
		switch f.Type {
		case worldflow.FieldChoice:
			value := defaultString(f.Default)
			texts[f.ID] = &value
			fields = append(fields, huh.NewSelect[string]().
				Title(f.Label).
				Options(huh.NewOptions(f.Options...)...).
				Value(&value))
		case worldflow.FieldMultiChoice:
			var value []string
			choices[f.ID] = &value
			multi := huh.NewMultiSelect[string]().
				Title(f.Label).
				Options(huh.NewOptions(f.Options...)...).
				Value(&value)
			if f.Required {
				multi = multi.Validate(func(v []string) error {
					if len(v) == 0 {
						return fmt.Errorf("choose at least one")
					}
					return nil
				})
			}
			fields = append(fields, multi)
		default:
			value := defaultString(f.Default)
			texts[f.ID] = &value
			text := huh.NewInput().Title(f.Label).Value(&value)
			if f.Required {
				text = text.Validate(func(v string) error {
					if v == "" {
						return fmt.Errorf("an answer is required")
					}
					return nil
				})
			}
			fields = append(fields, text)
		}
	}
	group := huh.NewGroup(fields...)
	if !req.AllowSkip && req.PromptContext != "" {
		group = group.Description(req.PromptContext)
	}
	if err := huh.NewForm(group).RunWithContext(ctx); err != nil {
		return input, err
	}

	input.Answers = map[string]any{}
	for id, v := range texts {
		if *v != "" {
			input.Answers[id] = *v
		}
	}
	for id, v := range choices {
		if len(*v) > 0 {
			input.Answers[id] = *v
		}
	}
	return input, nil
}

func defaultString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
