package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mbahri/senja/internal/config"
	"github.com/mbahri/senja/internal/setup"
	"github.com/mbahri/senja/pkg/flow"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run the interactive setup flow",
	Long: `Run the provider setup flow in the terminal.
The same flow is available to remote clients through the gateway; this
command drives it locally and writes the result to the config file.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	session := flow.Start(context.Background(), setup.Driver, flow.SessionConfig{Logger: zerolog.Nop()})
	defer session.Cancel()

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	for {
		res, err := session.Next(cmd.Context())
		if err != nil {
			return fmt.Errorf("setup flow failed: %w", err)
		}

		if res.Done {
			switch res.Status {
			case flow.StatusDone:
				return applyCompletion(out, res.Result)
			case flow.StatusCancelled:
				fmt.Fprintln(out, "Setup cancelled, nothing saved.")
				return nil
			default:
				return fmt.Errorf("setup flow failed: %s", res.Error)
			}
		}

		value, err := promptStep(in, out, *res.Step)
		if err != nil {
			return err
		}
		if err := session.Answer(res.Step.ID, value); err != nil {
			return fmt.Errorf("failed to submit answer: %w", err)
		}
	}
}

// promptStep renders one flow step on the terminal and reads the answer.
func promptStep(in *bufio.Reader, out io.Writer, step flow.Step) (interface{}, error) {
	switch step.Type {
	case flow.StepNote:
		fmt.Fprintf(out, "\n%s\n", step.Prompt)
		fmt.Fprint(out, "Press enter to continue...")
		_, err := readLine(in)
		return nil, err

	case flow.StepOpenURL:
		fmt.Fprintf(out, "\n%s\n  %s\n", step.Prompt, step.URL)
		fmt.Fprint(out, "Press enter once done...")
		_, err := readLine(in)
		return nil, err

	case flow.StepText:
		if step.Placeholder != "" {
			fmt.Fprintf(out, "\n%s [%s]: ", step.Prompt, step.Placeholder)
		} else {
			fmt.Fprintf(out, "\n%s: ", step.Prompt)
		}
		return readLine(in)

	case flow.StepConfirm:
		fmt.Fprintf(out, "\n%s [y/N]: ", step.Prompt)
		line, err := readLine(in)
		if err != nil {
			return nil, err
		}
		answer := strings.ToLower(line)
		return answer == "y" || answer == "yes", nil

	case flow.StepSelect:
		printOptions(out, step)
		fmt.Fprint(out, "Choice: ")
		line, err := readLine(in)
		if err != nil {
			return nil, err
		}
		return resolveOption(step.Options, line), nil

	case flow.StepMultiSelect:
		printOptions(out, step)
		fmt.Fprint(out, "Choices (comma separated, empty for none): ")
		line, err := readLine(in)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return []string{}, nil
		}
		var values []string
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			values = append(values, resolveOption(step.Options, part))
		}
		return values, nil

	default:
		return nil, fmt.Errorf("unsupported step type: %s", step.Type)
	}
}

func printOptions(out io.Writer, step flow.Step) {
	fmt.Fprintf(out, "\n%s\n", step.Prompt)
	for i, opt := range step.Options {
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		fmt.Fprintf(out, "  %d) %s\n", i+1, label)
	}
}

// resolveOption maps a 1-based index onto its option value; anything that is
// not an index is taken as a literal value.
func resolveOption(options []flow.StepOption, input string) string {
	if idx, err := strconv.Atoi(input); err == nil && idx >= 1 && idx <= len(options) {
		return options[idx-1].Value
	}
	return input
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// applyCompletion merges a finished setup payload into the config file. A
// driver may finish without producing a payload; there is nothing to save
// then.
func applyCompletion(out io.Writer, payload *flow.CompletionPayload) error {
	if payload == nil {
		fmt.Fprintln(out, "Setup finished with nothing to save.")
		return nil
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if len(payload.Profiles) > 0 {
		profiles := make([]config.ProviderProfile, 0, len(payload.Profiles))
		for _, p := range payload.Profiles {
			profiles = append(profiles, config.ProviderProfile{
				ID:       p.ID,
				Provider: p.Provider,
				APIKey:   p.APIKey,
				Priority: p.Priority,
			})
		}
		cfg.Providers.Profiles = profiles
	}
	if payload.DefaultModel != "" {
		cfg.Models.Default = payload.DefaultModel
	}
	if level, ok := payload.ConfigPatch["logging.level"].(string); ok && level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	for _, note := range payload.Notes {
		fmt.Fprintf(out, "Note: %s\n", note)
	}
	fmt.Fprintln(out, "\nYou can now start senja with: senja start")
	return nil
}
