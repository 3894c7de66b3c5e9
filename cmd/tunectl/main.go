package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/buildconfig"
	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// Client talks to a running markovtune server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Out     io.Writer
}

// Do sends a request and pretty-prints the JSON response. Non-2xx responses
// are returned as errors carrying the server's message.
func (c *Client) Do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	fmt.Fprintln(c.Out, strings.TrimSpace(string(data)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

var (
	serverFlag  string
	tokenFlag   string
	limitFlag   int
	kFlag       int
	typeFlag    string
	convFlag    string
	eventIDFlag string
	ratingFlag  int
)

var rootCmd = &cobra.Command{
	Use:           "tunectl",
	Short:         "tunectl - operate a markovtune server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a manual fine-tuning pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Do(http.MethodPost, "/v1/admin/fine-tune", nil)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent fine-tuning runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Do(http.MethodGet, "/v1/admin/runs"+limitQuery(), nil)
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions [id]",
	Short: "List model versions, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			return newClient(cmd).Do(http.MethodGet, fmt.Sprintf("/v1/versions/%d", id), nil)
		}
		return newClient(cmd).Do(http.MethodGet, "/v1/versions"+limitQuery(), nil)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Make an earlier version active again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVersionID(args[0])
		if err != nil {
			return err
		}
		return newClient(cmd).Do(http.MethodPost, fmt.Sprintf("/v1/versions/%d/rollback", id), nil)
	},
}

var distributionCmd = &cobra.Command{
	Use:   "distribution <state>",
	Short: "Show the next-state distribution of a state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Do(http.MethodGet, "/v1/distribution/"+url.PathEscape(args[0]), nil)
	},
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions <state>",
	Short: "Show the most likely next states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/suggestions/" + url.PathEscape(args[0])
		if kFlag > 0 {
			path += "?k=" + strconv.Itoa(kFlag)
		}
		return newClient(cmd).Do(http.MethodGet, path, nil)
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <state> <state> [state...]",
	Short: "Submit a feedback event for a conversation trace",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := buildFeedback(args)
		if err != nil {
			return err
		}
		return newClient(cmd).Do(http.MethodPost, "/v1/feedback", in)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server and model statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Do(http.MethodGet, "/v1/stats", nil)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tunectl build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := buildconfig.VersionInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "tunectl %s (commit %s, built %s, %s)\n",
			info["version"], info["commit"], info["build_date"], info["go"])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", envOr("MARKOVTUNE_URL", defaultServer), "markovtune server URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", os.Getenv("ADMIN_API_KEY"), "API key sent as a bearer token")

	runsCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "Maximum number of entries")
	versionsCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "Maximum number of entries")
	suggestionsCmd.Flags().IntVar(&kFlag, "k", 0, "Number of suggestions")

	feedbackCmd.Flags().StringVarP(&typeFlag, "type", "t", "", "Feedback type, e.g. 点赞, like or rating")
	feedbackCmd.Flags().StringVarP(&convFlag, "conversation", "c", "", "Conversation id")
	feedbackCmd.Flags().StringVar(&eventIDFlag, "event-id", "", "Caller event id used for deduplication")
	feedbackCmd.Flags().IntVar(&ratingFlag, "rating", 0, "Star rating 1-5 when --type=rating")
	_ = feedbackCmd.MarkFlagRequired("type")
	_ = feedbackCmd.MarkFlagRequired("conversation")

	rootCmd.AddCommand(triggerCmd, runsCmd, versionsCmd, rollbackCmd, distributionCmd,
		suggestionsCmd, feedbackCmd, statsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient(cmd *cobra.Command) *Client {
	return &Client{
		BaseURL: serverFlag,
		Token:   tokenFlag,
		HTTP:    &http.Client{Timeout: 10 * time.Minute},
		Out:     cmd.OutOrStdout(),
	}
}

func buildFeedback(states []string) (domain.FeedbackInput, error) {
	in := domain.FeedbackInput{
		ConversationID: convFlag,
		EventID:        eventIDFlag,
		FeedbackType:   typeFlag,
		StateSequence:  make([]domain.State, len(states)),
	}
	for i, s := range states {
		in.StateSequence[i] = domain.State(s)
	}
	if ratingFlag != 0 {
		if ratingFlag < 1 || ratingFlag > 5 {
			return in, fmt.Errorf("rating must be between 1 and 5, got %d", ratingFlag)
		}
		in.RawSignal = map[string]any{"rating": ratingFlag}
	}
	return in, nil
}

func parseVersionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid version id %q", s)
	}
	return id, nil
}

func limitQuery() string {
	if limitFlag <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limitFlag)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
