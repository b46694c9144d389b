package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/config"
)

// newSetupCmd creates the `crux setup` wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walk through the essentials and write a crux.yaml. Tokens and API keys go
to the OS keyring; the file only holds environment references.

Examples:
  crux setup
  crux setup --output configs/crux.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().StringP("output", "o", "crux.yaml", "where to write the configuration")
	return cmd
}

// setupAnswers holds the wizard's string fields before conversion.
type setupAnswers struct {
	name         string
	discordToken string
	guildID      string
	adminIDs     string
	provider     string
	model        string
	apiKey       string
	projects     bool
	projectToken string
	templateID   string
	checkins     bool
	hour         string
	timezone     string
	adminAPI     bool
	adminToken   string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	if _, err := os.Stat(out); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", out)).
			Value(&overwrite).
			Run()
		if err != nil || !overwrite {
			fmt.Println("Setup cancelled.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	a := setupAnswers{
		name:     cfg.Name,
		provider: cfg.LLM.Provider,
		model:    cfg.LLM.Model,
		checkins: cfg.Checkin.Enabled,
		hour:     strconv.Itoa(cfg.Checkin.Hour),
		timezone: cfg.Timezone,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Coach name").Value(&a.name),
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Validate(required("the bot token")).
				Value(&a.discordToken),
			huh.NewInput().
				Title("Guild ID").
				Description("Leave empty to accept every server the bot joins.").
				Value(&a.guildID),
			huh.NewInput().
				Title("Admin user IDs").
				Description("Comma separated.").
				Value(&a.adminIDs),
		).Title("Discord"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Provider").
				Options(
					huh.NewOption("OpenAI (or compatible)", "openai"),
					huh.NewOption("Google Gemini", "gemini"),
				).
				Value(&a.provider),
			huh.NewInput().Title("Chat model").Value(&a.model),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(required("the API key")).
				Value(&a.apiKey),
		).Title("Language model"),

		huh.NewGroup(
			huh.NewConfirm().Title("Create a program board for each onboarded user?").Value(&a.projects),
		).Title("Program boards"),

		huh.NewGroup(
			huh.NewInput().
				Title("Personal access token").
				EchoMode(huh.EchoModePassword).
				Validate(required("the access token")).
				Value(&a.projectToken),
			huh.NewInput().
				Title("Template project ID").
				Validate(required("the template project")).
				Value(&a.templateID),
		).Title("Program boards").WithHideFunc(func() bool { return !a.projects }),

		huh.NewGroup(
			huh.NewConfirm().Title("Send daily check-ins?").Value(&a.checkins),
			huh.NewInput().Title("Local hour (0-23)").Validate(validHour).Value(&a.hour),
			huh.NewInput().Title("Timezone").Validate(validZone).Value(&a.timezone),
		).Title("Check-ins"),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable the admin HTTP API on 127.0.0.1?").Value(&a.adminAPI),
		).Title("Admin API"),

		huh.NewGroup(
			huh.NewInput().
				Title("Admin API bearer token").
				EchoMode(huh.EchoModePassword).
				Validate(required("a token")).
				Value(&a.adminToken),
		).Title("Admin API").WithHideFunc(func() bool { return !a.adminAPI }),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup: %w", err)
	}

	applyAnswers(cfg, a)

	secrets := map[string]string{
		"discord_token":  a.discordToken,
		"llm_api_key":    a.apiKey,
		"projects_token": a.projectToken,
		"admin_token":    a.adminToken,
	}
	for _, s := range config.Secrets {
		value := secrets[s.Name]
		if value == "" {
			continue
		}
		if err := config.StoreSecret(s.Name, value); err != nil {
			fmt.Printf("  [!] keyring unavailable for %s; export %s before starting.\n", s.Name, s.Env[0])
			continue
		}
		fmt.Printf("  stored %s in the OS keyring\n", s.Name)
	}

	if err := config.Save(cfg, out); err != nil {
		return err
	}
	fmt.Printf("\nConfiguration written to %s. Start the bot with: crux serve\n", out)
	return nil
}

// applyAnswers copies the wizard results into cfg. Secrets become
// environment references; the keyring supplies the real values.
func applyAnswers(cfg *config.Config, a setupAnswers) {
	cfg.Name = strings.TrimSpace(a.name)
	cfg.Discord.Token = "${CRUX_DISCORD_TOKEN}"
	cfg.Discord.GuildID = strings.TrimSpace(a.guildID)
	for _, id := range strings.Split(a.adminIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			cfg.Discord.AdminIDs = append(cfg.Discord.AdminIDs, id)
		}
	}

	cfg.LLM.Provider = a.provider
	cfg.LLM.Model = strings.TrimSpace(a.model)
	cfg.LLM.APIKey = "${CRUX_LLM_API_KEY}"

	cfg.Projects.Enabled = a.projects
	if a.projects {
		cfg.Projects.Token = "${CRUX_PROJECTS_TOKEN}"
		cfg.Projects.TemplateID = strings.TrimSpace(a.templateID)
	}

	cfg.Checkin.Enabled = a.checkins
	cfg.Checkin.Hour, _ = strconv.Atoi(strings.TrimSpace(a.hour))
	cfg.Timezone = strings.TrimSpace(a.timezone)

	cfg.Admin.Enabled = a.adminAPI
	if a.adminAPI {
		cfg.Admin.Token = "${CRUX_ADMIN_TOKEN}"
	}
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validHour(s string) error {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || h < 0 || h > 23 {
		return errors.New("enter an hour between 0 and 23")
	}
	return nil
}

func validZone(s string) error {
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown timezone %q", s)
	}
	return nil
}
