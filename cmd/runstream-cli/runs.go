package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/tcmartin/runstream/pkg/events"
	"github.com/tcmartin/runstream/pkg/models"
)

func newTriggerCmd() *cobra.Command {
	var (
		input   string
		webhook bool
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "trigger [workflow-id]",
		Short: "Start a run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"wait_for_subscriber": follow}
			path := "/workflows/" + url.PathEscape(args[0]) + "/runs"

			var payload interface{} = body
			if input != "" {
				var parsed map[string]interface{}
				if err := json.Unmarshal([]byte(input), &parsed); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
				body["input"] = parsed
				if webhook {
					payload = parsed
				}
			}
			if webhook {
				path = "/webhooks/" + url.PathEscape(args[0])
				if follow {
					path += "?wait_for_subscriber=true"
				}
				if input == "" {
					payload = map[string]interface{}{}
				}
			}

			var run models.Run
			if err := doJSON(cmd.Context(), http.MethodPost, apiURL(path), payload, &run); err != nil {
				return err
			}

			if !follow {
				return printJSON(cmd.OutOrStdout(), run)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s queued\n", run.ID)
			return watch(cmd.Context(), run.ID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Run input as a JSON object")
	cmd.Flags().BoolVar(&webhook, "webhook", false, "Trigger through the webhook endpoint")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the run's events until it finishes")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

// watch prints each event as a JSON line and returns after the run's terminal status
func watch(ctx context.Context, runID string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(apiURL("/runs/" + url.PathEscape(runID) + "/events"))
	if token != "" {
		client.Headers["Authorization"] = "Bearer " + token
	}
	// the server replays from the start, so a reconnect only costs duplicates
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = time.Minute
	client.ReconnectStrategy = &stopOnDone{ExponentialBackOff: retry, ctx: ctx}

	var (
		status   models.RunStatus
		finished bool
		failure  error
	)
	seen := make(map[string]bool)
	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		if id := string(msg.ID); id != "" {
			if seen[id] {
				return
			}
			seen[id] = true
		}
		e, err := events.Decode(msg.Data)
		if err != nil {
			failure = err
			cancel()
			return
		}
		fmt.Fprintln(out, string(msg.Data))
		if s, terminal := e.TerminalStatus(); terminal {
			status, finished = s, true
			cancel()
		}
	})

	switch {
	case failure != nil:
		return failure
	case finished:
		if status != models.RunStatusSuccess {
			return fmt.Errorf("run %s finished with status %s", runID, status)
		}
		return nil
	case err != nil && ctx.Err() == nil:
		return fmt.Errorf("event stream failed: %w", err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("event stream closed before run %s finished", runID)
	}
}

// stopOnDone ends reconnect attempts once ctx is cancelled
type stopOnDone struct {
	*backoff.ExponentialBackOff
	ctx context.Context
}

func (b *stopOnDone) NextBackOff() time.Duration {
	if b.ctx.Err() != nil {
		return backoff.Stop
	}
	return b.ExponentialBackOff.NextBackOff()
}

// doJSON sends body as JSON and decodes a 2xx response into out
func doJSON(ctx context.Context, method, target string, body, out interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
