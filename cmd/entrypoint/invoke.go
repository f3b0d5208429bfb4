package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/observability"
	"github.com/oriys/entrypoint/internal/output"
	"github.com/oriys/entrypoint/pkg/entrypoint"
)

func invokeCmd() *cobra.Command {
	var (
		method    string
		pairs     []string
		transport string
		key       string
		customKey string
		worker    string
		async     bool
		wait      bool
		compress  bool
		timeout   time.Duration
		format    string
	)

	cmd := &cobra.Command{
		Use:   "invoke <target>",
		Short: "Invoke an entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("key") {
				cfg.Key = key
			}
			if flags.Changed("worker") {
				cfg.Worker = worker
			}
			if flags.Changed("async") {
				cfg.Queue.Async = async
			}
			if flags.Changed("compress") {
				cfg.Compress = compress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			clientCfg, err := cfg.ToClient()
			if err != nil {
				return err
			}

			kwargs, err := parseArgs(pairs)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := observability.Init(ctx, cfg.Telemetry); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			callLog := logging.NewLogger(os.Stderr)
			if cfg.Daemon.CallLog != "" {
				if err := callLog.SetOutput(cfg.Daemon.CallLog); err != nil {
					return err
				}
			}
			defer callLog.Close()

			client := entrypoint.New(keyedConfig(clientCfg, customKey), entrypoint.WithCallLogger(callLog))
			p := output.NewPrinter(output.ParseFormat(format), cmd.OutOrStdout())
			return runInvoke(ctx, client, p, args[0], method, kwargs, wait)
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "get", "HTTP-style method")
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Keyword argument key=value (value may be JSON), repeatable")
	cmd.Flags().StringVarP(&transport, "transport", "t", "", "Transport: http, async_http, queued")
	cmd.Flags().StringVar(&key, "key", "", "Routing key of queued calls")
	cmd.Flags().StringVar(&customKey, "custom-key", "", "Route this call through a client keyed differently")
	cmd.Flags().StringVar(&worker, "worker", "", "Worker namespace of queued calls")
	cmd.Flags().BoolVar(&async, "async", false, "Return the task id instead of waiting for the result")
	cmd.Flags().BoolVar(&wait, "wait", false, "With --async, wait for the result after printing the task id")
	cmd.Flags().BoolVar(&compress, "compress", false, "Gzip the payload")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, json, yaml")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout")

	return cmd
}

// keyedConfig readdresses the client under customKey. A one-shot command
// holds a single client, so rekeying it keeps the task queue connection
// open until the result has been waited for.
func keyedConfig(cfg entrypoint.Config, customKey string) entrypoint.Config {
	if customKey != "" {
		cfg.Key = customKey
	}
	return cfg
}

func runInvoke(ctx context.Context, client *entrypoint.Client, p *output.Printer, target, method string, kwargs map[string]any, wait bool) error {
	return client.Do(func(c *entrypoint.Client) error {
		res, err := c.Invoke(ctx, target, method, kwargs)
		if err != nil {
			return err
		}
		cfg := c.Config()
		row := output.ResultRow{Transport: string(cfg.Transport), Target: target, Method: strings.ToLower(strings.TrimSpace(method))}
		return printResult(ctx, p, row, res, wait, cfg.ResultTimeout)
	})
}

func printResult(ctx context.Context, p *output.Printer, row output.ResultRow, res *entrypoint.Result, wait bool, resultTimeout time.Duration) error {
	switch {
	case res.Response != nil:
		if err := readResponse(&row, res.Response); err != nil {
			return err
		}
	case res.Pending != nil:
		resp, err := res.Pending.Await(ctx)
		if err != nil {
			return err
		}
		if err := readResponse(&row, resp); err != nil {
			return err
		}
	case res.Async != nil:
		row.TaskID = res.Async.ID()
		if wait {
			value, err := res.Async.Get(ctx, resultTimeout)
			if err != nil {
				return err
			}
			row.SetValue(value)
		}
	case res.Value != nil:
		row.SetValue(res.Value)
	default:
		row.Note = "dispatched, result ignored"
	}
	return p.PrintResult(row)
}

func readResponse(row *output.ResultRow, resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	row.Status = resp.StatusCode
	row.SetValue(data)
	return nil
}
