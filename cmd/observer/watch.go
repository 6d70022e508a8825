package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"narrative-server/internal/logger"
	"narrative-server/internal/models"
	"narrative-server/internal/syncengine"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch an entity until interrupted",
	}
	cmd.AddCommand(watchEntityCmd(models.EntitySegment), watchEntityCmd(models.EntityStory))
	return cmd
}

func watchEntityCmd(entity models.EntityType) *cobra.Command {
	var fields []string
	var untilSettled bool

	cmd := &cobra.Command{
		Use:   string(entity) + " <id>",
		Short: fmt.Sprintf("Watch media generation of a %s", entity),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := models.ParseEntityRef(string(entity), args[0])
			if err != nil {
				return err
			}
			watched, err := parseFields(fields, entity)
			if err != nil {
				return err
			}
			return runWatch(cmd, ref, watched, untilSettled)
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields to watch (image, audio)")
	cmd.Flags().BoolVar(&untilSettled, "until-settled", false, "exit once every watched field is terminal and confirmed")
	return cmd
}

func runWatch(cmd *cobra.Command, ref models.EntityRef, fields []models.MediaField, untilSettled bool) error {
	log, err := logger.New(logger.Config{Level: viper.GetString("log-level"), Encoding: "console", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	server := viper.GetString("server")
	reader, err := syncengine.NewHTTPReader(server, nil)
	if err != nil {
		return err
	}
	wsURL := viper.GetString("ws")
	if wsURL == "" {
		if wsURL, err = deriveWSURL(server); err != nil {
			return err
		}
	}

	cfg := syncengine.DefaultConfig()
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.MaxReconnects = viper.GetInt("max-reconnects")
	engine := syncengine.NewEngine(reader, syncengine.NewWSChannel(wsURL, log), cfg, log)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(fields) == 0 {
		fields = syncengine.DefaultFields(ref.Type)
	}
	p := &printer{out: cmd.OutOrStdout(), json: viper.GetBool("json")}
	exit := settleExit{fields: fields, cancel: func() {}}
	if untilSettled {
		exit.cancel = cancel
	}
	watcher, err := engine.Watch(ctx, ref, fields,
		syncengine.OnUpdate(func(u syncengine.Update) {
			p.update(u, fields)
			exit.onUpdate(u)
		}),
		syncengine.OnConfirmed(exit.onConfirmed),
		syncengine.OnStateChange(p.state),
	)
	if err != nil {
		return err
	}

	<-watcher.Done()
	return nil
}

// settleExit останавливает наблюдение, когда все поля терминальны
// и каскад подтверждающих перечитываний завершен.
type settleExit struct {
	fields []models.MediaField
	cancel func()
}

func (s settleExit) onUpdate(u syncengine.Update) {
	if !u.Deleted && !u.Confirming && syncengine.Settled(u.Snapshot, s.fields) {
		s.cancel()
	}
}

func (s settleExit) onConfirmed(snap models.Snapshot) {
	if syncengine.Settled(snap, s.fields) {
		s.cancel()
	}
}

func parseFields(raw []string, entity models.EntityType) ([]models.MediaField, error) {
	out := make([]models.MediaField, 0, len(raw))
	for _, r := range raw {
		f := models.MediaField(strings.ToLower(strings.TrimSpace(r)))
		if !f.Valid() || (entity == models.EntityStory && f != models.FieldAudio) {
			return nil, fmt.Errorf("%s has no %q field", entity, r)
		}
		out = append(out, f)
	}
	return out, nil
}

func deriveWSURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
