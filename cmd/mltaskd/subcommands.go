package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carbonetes/mltaskd/internal/api"
	"github.com/carbonetes/mltaskd/internal/core"
	gssh "github.com/carbonetes/mltaskd/internal/ssh"
	v1 "github.com/carbonetes/mltaskd/pkg/api"
)

// Resolve the API client from flags, falling back to the config file and
// MLTASKD_API_TOKEN for the token.
func resolveClient(cmd *cobra.Command) (*api.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if server == "" || token == "" {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := core.LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		if server == "" {
			server = serverURL(cfg)
		}
		if token == "" {
			token = cfg.API.Token
		}
	}
	return api.NewClient(server, token), nil
}

// serverURL turns a listen address into a URL a local client can reach.
func serverURL(cfg core.Config) string {
	scheme := "http"
	if cfg.API.TLS.Cert != "" {
		scheme = "https"
	}
	host := cfg.Server.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return scheme + "://" + host
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "API base URL (default from server.addr)")
	cmd.Flags().String("token", "", "API token (default from config or MLTASKD_API_TOKEN)")
}

// Submit a training task
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register a training task and dispatch it to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			datasetSize, _ := cmd.Flags().GetString("dataset-size")
			labelCount, _ := cmd.Flags().GetString("label-count")
			shape, _ := cmd.Flags().GetString("data-shape")
			code, _ := cmd.Flags().GetString("code")
			codeFile, _ := cmd.Flags().GetString("code-file")
			sample, _ := cmd.Flags().GetString("sample-data")
			if (code == "") == (codeFile == "") {
				return errors.New("exactly one of --code or --code-file is required")
			}
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			task, err := client.Submit(cmd.Context(), api.SubmitRequest{
				Name:        name,
				DatasetSize: datasetSize,
				LabelCount:  labelCount,
				DataShape:   shape,
				CodeText:    code,
				CodeFile:    codeFile,
				SampleData:  sample,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("dataset-size", "", "number of training samples")
	cmd.Flags().String("label-count", "", "number of labels")
	cmd.Flags().String("data-shape", "", "comma separated sample dimensions, e.g. 3,32,32")
	cmd.Flags().String("code", "", "inline training script")
	cmd.Flags().String("code-file", "", "path of a training script to upload")
	cmd.Flags().String("sample-data", "", "path of a sample data file to upload")
	_ = cmd.MarkFlagRequired("dataset-size")
	_ = cmd.MarkFlagRequired("label-count")
	addClientFlags(cmd)
	return cmd
}

// List tasks, most recent first
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tasks, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			printTasks(cmd, tasks)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printTasks(cmd *cobra.Command, tasks []v1.Task) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tWORKLOAD\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.TaskNameUser, t.Status, t.TaskName, t.CreatedAt.Local().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

// Show one task
func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			task, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Follow task events over the websocket notifier
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task status events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			u, err := url.Parse(client.BaseURL)
			if err != nil {
				return err
			}
			u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
			u.Path = "/ws"
			hdr := http.Header{}
			if client.Token != "" {
				hdr.Set("Authorization", "Bearer "+client.Token)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
			if err != nil {
				return fmt.Errorf("connect %s: %w", u, err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
			}()

			out := cmd.OutOrStdout()
			for {
				var ev v1.Event
				if err := conn.ReadJSON(&ev); err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				switch ev.Type {
				case v1.EventConnected:
					log.Info().Str("client", ev.ID).Msg("watching task events")
				case v1.EventTask:
					if ev.Task != nil {
						fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ev.Time.Local().Format(time.RFC3339), ev.Task.ID, ev.Task.Status, ev.Task.StatusReason)
					}
				}
			}
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Generate an SSH key for the SFTP artifact host
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key for the SFTP artifact store",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("out")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "id_ed25519")
			}
			comment, _ := cmd.Flags().GetString("comment")
			pub, err := gssh.GenerateEd25519Keypair(path, comment)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("key written")
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(pub))
			return nil
		},
	}
	cmd.Flags().String("out", "", "private key path (default <config dir>/id_ed25519)")
	cmd.Flags().String("comment", "mltaskd", "public key comment")
	return cmd
}

// Record the SFTP host key in known_hosts
func newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host [addr]",
		Short: "Record the artifact host's SSH key in known_hosts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			addr := cfg.Artifacts.SFTP.Addr
			if len(args) == 1 {
				addr = args[0]
			}
			if addr == "" {
				return errors.New("no address given and artifacts.sftp.addr is empty")
			}
			key, err := gssh.ScanHostKey(cmd.Context(), addr, time.Duration(cfg.Artifacts.SFTP.TimeoutSeconds)*time.Second)
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.Artifacts.SFTP.KnownHosts, addr, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s %s\n", addr, key.Type())
			return nil
		},
	}
	return cmd
}
