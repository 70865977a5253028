package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/castilho/inferoute/pkg/inferoute/engine"
)

// newSetupCmd creates the `inferoute setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create an initial config.yaml interactively: provider endpoint, default
model, database path, and model catalog seeding. The API key goes to the
OS keyring when one is available, never into the YAML.

Examples:
  inferoute setup
  inferoute setup --config ./config.yaml`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := engine.DefaultConfig()
	path := configPath(cmd)

	var seedDefaults bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Provider endpoint").
				Options(
					huh.NewOption("OpenAI (api.openai.com)", "https://api.openai.com/v1"),
					huh.NewOption("OpenRouter (openrouter.ai)", "https://openrouter.ai/api/v1"),
					huh.NewOption("Groq (api.groq.com)", "https://api.groq.com/openai/v1"),
					huh.NewOption("Ollama (localhost:11434)", "http://localhost:11434/v1"),
				).
				Value(&cfg.API.BaseURL),
			huh.NewInput().
				Title("Default model").
				Description("Used when a call does not resolve a catalog model.").
				Value(&cfg.API.Model),
			huh.NewInput().
				Title("Database path").
				Value(&cfg.Database.Path),
			huh.NewConfirm().
				Title("Seed a starter model catalog?").
				Description("Registers the default model under CHAT and SORT.").
				Value(&seedDefaults),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if seedDefaults {
		provider := providerFromURL(cfg.API.BaseURL)
		cfg.Models = []engine.ModelConfig{
			{Name: cfg.API.Model, Provider: provider, Capability: "CHAT", Quality: 5, Rating: 3,
				Features: []string{"streaming"}},
			{Name: cfg.API.Model, Provider: provider, Capability: "SORT", Quality: 5, Rating: 3},
		}
		cfg.Defaults = map[string]string{"CHAT": cfg.API.Model, "SORT": cfg.API.Model}
	}

	if err := promptAPIKey(cfg); err != nil {
		return err
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("\nConfig written to %s\n", path)
	fmt.Println("Run 'inferoute chat' to try it out.")
	return nil
}

// promptAPIKey reads the key without echo and stores it in the OS keyring
// when available, falling back to the config file.
func promptAPIKey(cfg *engine.Config) error {
	fmt.Print("API key (empty to skip): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return nil
	}

	provider := providerFromURL(cfg.API.BaseURL)
	if engine.KeyringAvailable() {
		if err := engine.StoreAPIKey(provider, key); err == nil {
			fmt.Println("API key stored in the OS keyring.")
			return nil
		}
	}
	fmt.Println("OS keyring unavailable; storing the key in config.yaml.")
	cfg.API.APIKey = key
	return nil
}

func providerFromURL(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openrouter"):
		return "openrouter"
	case strings.Contains(baseURL, "groq"):
		return "groq"
	case strings.Contains(baseURL, "11434"), strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai"
	}
}
