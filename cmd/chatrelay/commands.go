package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatrelay/internal/api"
	"github.com/kalambet/chatrelay/internal/config"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
	"github.com/kalambet/chatrelay/internal/telegram"
)

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadPartial()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		secret, _ := cmd.Flags().GetBool("secret")

		set := config.SetKey
		if secret {
			set = config.SetSecret
		}
		if err := set(key, value); err != nil {
			return err
		}

		if secret {
			printSuccess("Stored secret %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configSetCmd.Flags().Bool("secret", false, "store the value in secrets.toml (for tokens and API keys)")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- webhook ---

// webhookAPI is the part of the Bot API the webhook commands use.
type webhookAPI interface {
	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
	GetWebhookInfo(ctx context.Context) (telegram.WebhookInfo, error)
}

var newWebhookAPI = func() (webhookAPI, config.Config, error) {
	cfg, err := config.LoadPartial()
	if err != nil {
		return nil, config.Config{}, err
	}
	if cfg.Telegram.Token == "" {
		return nil, config.Config{}, errors.New("telegram.token is not configured")
	}
	return telegram.NewClient(cfg.Telegram.Token, telegram.WithBaseURL(cfg.Telegram.APIURL)), cfg, nil
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the Telegram webhook registration",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set [url]",
	Short: "Register the webhook (defaults to telegram.webhook_url)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tg, cfg, err := newWebhookAPI()
		if err != nil {
			return err
		}
		url := cfg.Telegram.WebhookURL
		if len(args) == 1 {
			url = args[0]
		}
		if url == "" {
			return errors.New("no URL given and telegram.webhook_url is empty")
		}
		if err := tg.SetWebhook(cmd.Context(), url, cfg.Telegram.WebhookSecret); err != nil {
			return fmt.Errorf("setting webhook: %w", err)
		}
		printSuccess("Webhook set to %s", url)
		return nil
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the webhook so the bot can poll",
	RunE: func(cmd *cobra.Command, args []string) error {
		tg, _, err := newWebhookAPI()
		if err != nil {
			return err
		}
		if err := tg.DeleteWebhook(cmd.Context()); err != nil {
			return fmt.Errorf("deleting webhook: %w", err)
		}
		printSuccess("Webhook deleted")
		return nil
	},
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the current webhook registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		tg, _, err := newWebhookAPI()
		if err != nil {
			return err
		}
		info, err := tg.GetWebhookInfo(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting webhook info: %w", err)
		}
		printWebhookInfo(info)
		return nil
	},
}

func printWebhookInfo(info telegram.WebhookInfo) {
	if info.URL == "" {
		printStatus("Webhook", "not set (polling)")
	} else {
		printStatus("Webhook", "%s", info.URL)
	}
	printStatus("Pending updates", "%d", info.PendingUpdateCount)
	if info.LastErrorMessage != "" {
		at := time.Unix(info.LastErrorDate, 0).Format(time.RFC3339)
		printStatus("Last error", "%s (%s)", info.LastErrorMessage, at)
	}
}

func init() {
	webhookCmd.AddCommand(webhookSetCmd)
	webhookCmd.AddCommand(webhookDeleteCmd)
	webhookCmd.AddCommand(webhookInfoCmd)
}

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and manage bot users",
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently active users",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listUsers(cmd.Context(), client, cmd.OutOrStdout(), limit)
	},
}

func listUsers(ctx context.Context, client *apiClient, w io.Writer, limit int) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/users?limit=%d", limit))
	if err != nil {
		return err
	}
	var users []storage.User
	if err := decodeJSON(resp, &users); err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found.")
		return nil
	}
	for _, u := range users {
		fmt.Fprintf(w, "%s  last seen %s  %d turns\n",
			colorize(colorCyan, strconv.FormatInt(u.ID, 10)),
			u.LastSeen.Format(time.RFC3339),
			u.Turns,
		)
	}
	return nil
}

var usersHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Print a user's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showHistory(cmd.Context(), client, cmd.OutOrStdout(), id, asJSON)
	},
}

func showHistory(ctx context.Context, client *apiClient, w io.Writer, userID int64, asJSON bool) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/users/%d/history", userID))
	if err != nil {
		return err
	}
	var h history.History
	if err := decodeJSON(resp, &h); err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}
	if len(h) == 0 {
		fmt.Fprintln(w, "No history.")
		return nil
	}
	for _, t := range h {
		fmt.Fprintf(w, "%s  %s\n", roleLabel(string(t.Role)), t.Content)
	}
	return nil
}

var usersClearCmd = &cobra.Command{
	Use:   "clear <user-id>",
	Short: "Delete a user's conversation, keeping settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/v1/users/%d/history", id))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cleared history of user %d", id)
		return nil
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete everything stored about a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the history and settings of user %d. Use --confirm to proceed.", id)
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/v1/users/%d", id))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted all data of user %d", id)
		return nil
	},
}

var usersSettingsCmd = &cobra.Command{
	Use:   "settings <user-id> [key value]",
	Short: "Show or change a user's settings",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 && len(args) != 3 {
			return errors.New("expected <user-id> or <user-id> <key> <value>")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var update map[string]string
		if len(args) == 3 {
			update = map[string]string{args[1]: args[2]}
		}
		return userSettings(cmd.Context(), client, cmd.OutOrStdout(), id, update)
	},
}

// userSettings prints the user's settings, applying update first when
// non-empty.
func userSettings(ctx context.Context, client *apiClient, w io.Writer, userID int64, update map[string]string) error {
	path := fmt.Sprintf("/v1/users/%d/settings", userID)
	var (
		resp *http.Response
		err  error
	)
	if len(update) > 0 {
		resp, err = client.patch(ctx, path, update)
	} else {
		resp, err = client.get(ctx, path)
	}
	if err != nil {
		return err
	}
	var st settings.Settings
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	language := st.Language
	if language == "" {
		language = "(client default)"
	}
	fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, settings.KeyModel), st.Model)
	fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, settings.KeyTemperature), settings.FormatTemperature(st.Temperature))
	fmt.Fprintf(w, "  %s = %d\n", colorize(colorBold, settings.KeyMaxTokens), st.MaxTokens)
	fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, settings.KeyLanguage), language)
	return nil
}

func init() {
	usersListCmd.Flags().Int("limit", 20, "maximum number of users to list")
	usersHistoryCmd.Flags().Bool("json", false, "print raw JSON")
	usersDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersHistoryCmd)
	usersCmd.AddCommand(usersClearCmd)
	usersCmd.AddCommand(usersDeleteCmd)
	usersCmd.AddCommand(usersSettingsCmd)
	usersCmd.AddCommand(usersChatCmd)
}

var usersChatCmd = &cobra.Command{
	Use:   "chat <user-id> <text>",
	Short: "Send a message as a user and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return chatAs(cmd.Context(), client, cmd.OutOrStdout(), id, strings.Join(args[1:], " "))
	},
}

func chatAs(ctx context.Context, client *apiClient, w io.Writer, userID int64, text string) error {
	resp, err := client.post(ctx, "/v1/chat", api.ChatRequest{UserID: userID, Text: text})
	if err != nil {
		return err
	}
	var out api.ChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	fmt.Fprintln(w, out.Text)
	if out.ErrorKind != "" {
		printWarning("%s (retryable: %t, outcome: %s)", out.ErrorKind, out.Retryable, out.Outcome)
	}
	return nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio",
	Long: `Serve the chatrelay MCP tools over stdin/stdout.

The command opens the same database as the server, so conversations started
through MCP appear in the bot's history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadPartial()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		logger := newLogger(cfg.Log.Level, os.Stderr)

		a, err := buildApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: a.store, Settings: a.settings, Chat: a.bot})
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
