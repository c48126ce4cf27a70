package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/config"
	"incident-dispatch-go/internal/models"
	"incident-dispatch-go/internal/offline"
)

var (
	agentUsername string
	agentPassword string
	agentMethod   string
	agentData     string
	agentQueue    bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Queue and replay writes from a device with unreliable connectivity",
	Long: `Field agent backed by a local SQLite queue.

Writes are attempted live and saved locally when the network is down. The
run subcommand replays saved writes in order whenever connectivity returns.`,
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch connectivity and replay queued writes on reconnect",
	RunE:  runAgent,
}

var agentSendCmd = &cobra.Command{
	Use:   "send <endpoint>",
	Short: "Send a JSON write now, or queue it when offline",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSend,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status <dispatch-id> <status>",
	Short: "Update a dispatch status now, or queue it when offline",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentStatus,
}

var agentSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes once",
	RunE:  runAgentSync,
}

var agentPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show how many writes are waiting",
	RunE:  runAgentPending,
}

func init() {
	agentCmd.PersistentFlags().StringVar(&agentUsername, "username", os.Getenv("AGENT_USERNAME"), "account used to authenticate replays")
	agentCmd.PersistentFlags().StringVar(&agentPassword, "password", os.Getenv("AGENT_PASSWORD"), "password for --username")

	agentSendCmd.Flags().StringVar(&agentMethod, "method", http.MethodPost, "HTTP method")
	agentSendCmd.Flags().StringVar(&agentData, "data", "{}", "JSON body")
	agentSendCmd.Flags().BoolVar(&agentQueue, "queue", false, "queue without trying the network")
	agentStatusCmd.Flags().BoolVar(&agentQueue, "queue", false, "queue without trying the network")

	agentCmd.AddCommand(agentRunCmd, agentSendCmd, agentStatusCmd, agentSyncCmd, agentPendingCmd)
}

type agent struct {
	cfg    config.Config
	log    *zap.Logger
	client *http.Client
	store  *offline.Store
	queue  *offline.Queue
}

func openAgent(ctx context.Context) (*agent, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 15 * time.Second, Jar: jar}

	st, err := offline.OpenStore(ctx, cfg.OfflineDBPath)
	if err != nil {
		return nil, err
	}

	a := &agent{cfg: cfg, log: log, client: client, store: st}
	replayer := offline.NewHTTPReplayer(cfg.OfflineBaseURL, client)
	a.queue = offline.New(st, replayer,
		offline.WithLogger(log.Named("offline")),
		offline.WithNotify(func(e offline.Event) {
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n", e.Queue, e.ID, e.Message())
		}),
	)
	return a, nil
}

func (a *agent) Close() {
	a.store.Close()
	a.log.Sync()
}

// login starts a session so replays carry the agent's identity. Failures
// are logged; writes still get queued and retried later.
func (a *agent) login(ctx context.Context) {
	if agentUsername == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{"username": agentUsername, "password": agentPassword})
	url := strings.TrimRight(a.cfg.OfflineBaseURL, "/") + "/api/auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.log.Warn("agent login failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("agent login failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.log.Warn("agent login rejected", zap.Int("status", resp.StatusCode))
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	probe := offline.NewHTTPProbe(a.cfg.ProbeURL(), a.cfg.OfflineProbeInterval, a.client)
	a.log.Info("offline agent running",
		zap.String("base_url", a.cfg.OfflineBaseURL),
		zap.String("probe_url", a.cfg.ProbeURL()),
		zap.Duration("interval", a.cfg.OfflineProbeInterval),
	)
	a.queue.RunOnReconnect(ctx, &relogin{Connectivity: probe, agent: a})
	return nil
}

// relogin renews the session whenever the probe reports the link is up,
// including the first reading.
type relogin struct {
	offline.Connectivity
	agent *agent
}

func (r *relogin) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool)
	in := r.Connectivity.Watch(ctx)
	go func() {
		defer close(out)
		for state := range in {
			if state {
				r.agent.login(ctx)
			}
			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func runAgentSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(agentData), &payload); err != nil {
		return fmt.Errorf("--data is not valid JSON: %w", err)
	}
	op := offline.Operation{Endpoint: args[0], Method: strings.ToUpper(agentMethod), Payload: payload}

	var ack offline.Ack
	if agentQueue {
		ack, err = a.queue.Enqueue(ctx, op)
	} else {
		a.login(ctx)
		ack, err = a.queue.Submit(ctx, op)
	}
	if err != nil {
		return err
	}
	fmt.Println(ack.Message)
	return nil
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status := models.DispatchStatus(args[1])
	var ack offline.Ack
	if agentQueue {
		ack, err = a.queue.EnqueueStatus(ctx, args[0], status)
	} else {
		a.login(ctx)
		ack, err = a.queue.SubmitStatus(ctx, args[0], status)
	}
	if err != nil {
		return err
	}
	fmt.Println(ack.Message)
	return nil
}

func runAgentSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.login(ctx)
	report, err := a.queue.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("synced=%d retrying=%d dropped=%d\n", report.Synced, report.Retrying, report.Dropped)
	return nil
}

func runAgentPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(p)
}
