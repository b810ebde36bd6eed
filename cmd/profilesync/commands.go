package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/profilesync/internal/api"
	"github.com/kalambet/profilesync/internal/config"
	"github.com/kalambet/profilesync/internal/profile"
	"github.com/kalambet/profilesync/internal/resume"
	"github.com/kalambet/profilesync/internal/storage"
)

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Read and update cached profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user_id>",
	Short: "Show a profile entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := profilePath(args[0])
		if refresh {
			path += "?refresh=1"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		stale := resp.Header.Get("X-Profile-Stale") == "true"

		var entry profile.Entry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}
		if stale {
			printWarning("store unreachable, showing last known profile")
		}
		return printJSON(entry)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user_id> <field> <value>",
	Short: "Set a single profile field",
	Long: `Set a single profile field and wait until it is stored.

List fields take comma-separated values, social_links takes name=url pairs.

Examples:
  profilesync profile set u1 full_name "Ana Lopez"
  profilesync profile set u1 skills go,postgres,kubernetes
  profilesync profile set u1 social_links github=https://github.com/ana`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, key, value := args[0], args[1], args[2]

		body, err := patchBody(key, value)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), profilePath(userID)+"?wait=1", body)
		if err != nil {
			return err
		}
		var entry profile.Entry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		printSuccess("Set %s = %s (completeness %d%%)", key, value, entry.Completeness)
		return nil
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit <user_id>",
	Short: "Open a profile in $EDITOR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), profilePath(args[0])+"?refresh=1")
		if err != nil {
			return err
		}
		var entry profile.Entry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		data, err := json.MarshalIndent(editableDoc(entry), "", "  ")
		if err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "profilesync-*.json")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			return err
		}
		tmpFile.Close()

		editorCmd := exec.Command(editor, tmpPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		edited, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		var doc api.PatchRequest
		if err := json.Unmarshal(edited, &doc); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}

		patchResp, err := client.patch(cmd.Context(), profilePath(args[0])+"?wait=1", doc)
		if err != nil {
			return err
		}
		if err := decodeJSON(patchResp, nil); err != nil {
			return err
		}

		printSuccess("Profile updated")
		return nil
	},
}

var profilePrefetchCmd = &cobra.Command{
	Use:   "prefetch <user_id>...",
	Short: "Warm the server cache for the given users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/prefetch", api.PrefetchRequest{UserIDs: args})
		if err != nil {
			return err
		}
		var result struct {
			Fetched int `json:"fetched"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Prefetched %d of %d profiles", result.Fetched, len(args))
		return nil
	},
}

var profileInvalidateCmd = &cobra.Command{
	Use:   "invalidate <user_id>",
	Short: "Drop a profile from the server cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), profilePath(args[0])+"/cache")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Invalidated %s", args[0])
		return nil
	},
}

var profileImportResumeCmd = &cobra.Command{
	Use:   "import-resume <user_id> <file.pdf>",
	Short: "Use the text of a PDF résumé as the talent bio",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, file := args[0], args[1]

		info, err := os.Stat(file)
		if err != nil {
			return err
		}
		if info.Size() > resume.MaxUploadBytes {
			return fmt.Errorf("%s is larger than %d bytes", file, resume.MaxUploadBytes)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %s", file)
		resp, err := client.send(cmd.Context(), "POST", profilePath(userID)+"/resume?wait=1", "application/pdf", data)
		if err != nil {
			return err
		}
		var entry profile.Entry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		chars := 0
		if entry.Extended != nil {
			chars = len([]rune(entry.Extended.Bio))
		}
		printSuccess("Imported %d characters into the bio of %s", chars, userID)
		return nil
	},
}

var profileTokenCmd = &cobra.Command{
	Use:   "token <user_id>",
	Short: "Issue a JWT that grants access to one user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tok, err := api.IssueUserToken(cfg.Auth.JWTSecret, args[0], ttl)
		if err != nil {
			return fmt.Errorf("%w (set PROFILESYNC_JWT_SECRET)", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	profileShowCmd.Flags().Bool("refresh", false, "bypass the server cache")
	profileTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileEditCmd)
	profileCmd.AddCommand(profilePrefetchCmd)
	profileCmd.AddCommand(profileInvalidateCmd)
	profileCmd.AddCommand(profileImportResumeCmd)
	profileCmd.AddCommand(profileTokenCmd)
}

func profilePath(userID string) string {
	return "/profiles/" + url.PathEscape(userID)
}

// patchBody builds a PATCH /profiles body that sets one field, converting
// value according to the column kind.
func patchBody(key, value string) (map[string]any, error) {
	sections := []struct {
		collection string
		name       string
	}{
		{storage.CollectionProfiles, "profile"},
		{storage.CollectionTalentProfiles, "extended"},
	}
	for _, sec := range sections {
		cols, err := storage.Columns(sec.collection)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			if c.Name != key {
				continue
			}
			if !c.Writable {
				return nil, fmt.Errorf("%s is read-only", key)
			}
			v, err := parseFieldValue(c.Kind, value)
			if err != nil {
				return nil, fmt.Errorf("invalid value for %s: %w", key, err)
			}
			return map[string]any{sec.name: map[string]any{key: v}}, nil
		}
	}
	return nil, fmt.Errorf("unknown profile field %q", key)
}

func parseFieldValue(kind storage.Kind, raw string) (any, error) {
	switch kind {
	case storage.KindFloat:
		return strconv.ParseFloat(raw, 64)
	case storage.KindJSONList:
		out := []string{}
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case storage.KindJSONMap:
		out := map[string]string{}
		for _, pair := range strings.Split(raw, ",") {
			if strings.TrimSpace(pair) == "" {
				continue
			}
			k, v, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("expected name=value, got %q", pair)
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		return out, nil
	default:
		return raw, nil
	}
}

// editableDoc renders the writable fields of an entry as a PATCH body.
func editableDoc(e profile.Entry) api.PatchRequest {
	var doc api.PatchRequest
	if p := e.Profile; p != nil {
		doc.Profile = profile.ProfilePatch{
			FullName:    &p.FullName,
			AvatarURL:   &p.AvatarURL,
			Phone:       &p.Phone,
			Country:     &p.Country,
			City:        &p.City,
			SocialLinks: p.SocialLinks,
		}
	}
	if x := e.Extended; x != nil {
		doc.Extended = &profile.ExtendedPatch{
			Title:           &x.Title,
			Bio:             &x.Bio,
			Skills:          x.Skills,
			ExperienceLevel: &x.ExperienceLevel,
			Categories:      x.Categories,
			HourlyRateMin:   &x.Compensation.Min,
			HourlyRateMax:   &x.Compensation.Max,
			Currency:        &x.Compensation.Currency,
			Availability:    &x.Availability,
			Interests:       x.Interests,
		}
	}
	return doc
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (empty value restores the default)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
