// Package cli implements the yieldloopd command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeycumines/go-yieldloop"
	"github.com/joeycumines/go-yieldloop/internal/httpapi"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// EnvPrefix prefixes the environment variables that override flag defaults,
// e.g. YIELDLOOPD_LAG_THRESHOLD=250ms.
const EnvPrefix = "YIELDLOOPD"

// RootOptions holds the command's flags.
type RootOptions struct {
	Addr            string
	LogLevel        string
	LagInterval     time.Duration
	LagThreshold    time.Duration
	ShutdownTimeout time.Duration
	Metrics         bool
}

// logLevels maps flag values to logiface levels.
var logLevels = map[string]logiface.Level{
	"disabled": logiface.LevelDisabled,
	"err":      logiface.LevelError,
	"error":    logiface.LevelError,
	"warning":  logiface.LevelWarning,
	"warn":     logiface.LevelWarning,
	"notice":   logiface.LevelNotice,
	"info":     logiface.LevelInformational,
	"debug":    logiface.LevelDebug,
	"trace":    logiface.LevelTrace,
}

// NewRootCommand creates the root command for yieldloopd. Every flag may
// also be set via the environment, see [EnvPrefix]; explicit flags win.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "yieldloopd",
		Short: "Cooperative scheduling demo server",
		Long: "Serves CPU-bound prime searches on a single cooperative event loop, " +
			"with a lag monitor reporting when the loop is starved.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadOptions(v, opts); err != nil {
				return err
			}
			if _, ok := logLevels[opts.LogLevel]; !ok {
				return fmt.Errorf("invalid log level %q", opts.LogLevel)
			}
			if opts.LagInterval <= 0 || opts.LagThreshold <= 0 {
				return errors.New("lag interval and threshold must be positive")
			}
			if opts.ShutdownTimeout <= 0 {
				return errors.New("shutdown timeout must be positive")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, opts, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", ":8080", "listen address")
	flags.DurationVar(&opts.LagInterval, "lag-interval", time.Millisecond, "lag monitor wake-up interval")
	flags.DurationVar(&opts.LagThreshold, "lag-threshold", 100*time.Millisecond, "lag that raises an alert")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level (err|warning|info|debug|trace|disabled)")
	flags.BoolVar(&opts.Metrics, "metrics", true, "collect per-task loop latency")
	flags.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown limit")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

// loadOptions resolves opts from v, which layers flags over the
// environment over the flag defaults.
func loadOptions(v *viper.Viper, opts *RootOptions) error {
	opts.Addr = v.GetString("addr")
	opts.LogLevel = strings.ToLower(v.GetString("log-level"))
	opts.Metrics = v.GetBool("metrics")

	for key, dst := range map[string]*time.Duration{
		"lag-interval":     &opts.LagInterval,
		"lag-threshold":    &opts.LagThreshold,
		"shutdown-timeout": &opts.ShutdownTimeout,
	} {
		// GetDuration maps unparsable values to zero
		raw := v.GetString(key)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		*dst = d
	}

	return nil
}

// NewLogger returns a JSON logger writing to w.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Run serves until ctx is done, or the server or loop fails, then shuts down
// the HTTP server, the lag monitor and the loop, in that order.
func Run(ctx context.Context, opts *RootOptions, logOutput io.Writer) error {
	logger := NewLogger(logOutput, logLevels[opts.LogLevel])

	loop, err := yieldloop.New(
		yieldloop.WithLogger(logger),
		yieldloop.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return err
	}

	monitor, err := yieldloop.NewLagMonitor(loop,
		yieldloop.WithInterval(opts.LagInterval),
		yieldloop.WithAlertThreshold(opts.LagThreshold),
	)
	if err != nil {
		return err
	}

	handler, err := httpapi.New(httpapi.Config{
		Loop:    loop,
		Monitor: monitor,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		_ = loop.Close()
		return err
	}

	// timers may be scheduled before Run
	if err := monitor.Start(); err != nil {
		_ = ln.Close()
		_ = loop.Close()
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// closed by the first tick, serving waits on it so that /healthz never
	// sees a loop that has not started
	ready := make(chan struct{})
	if err := loop.SubmitInternal(func() { close(ready) }); err != nil {
		_ = ln.Close()
		_ = loop.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// stopping is closed once shutdown begins, after which the loop and
	// server returning is expected
	stopping := make(chan struct{})

	g.Go(func() error {
		err := loop.Run(context.Background())
		select {
		case <-stopping:
			return nil
		default:
		}
		if err == nil {
			err = yieldloop.ErrLoopTerminated
		}
		return fmt.Errorf("event loop exited: %w", err)
	})

	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			_ = ln.Close()
			return nil
		}

		logger.Info().
			Str(`addr`, ln.Addr().String()).
			Dur(`lag_interval`, opts.LagInterval).
			Dur(`lag_threshold`, opts.LagThreshold).
			Log(`listening`)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		close(stopping)
		logger.Info().Log(`shutting down`)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()

		var result error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = fmt.Errorf("http server shutdown: %w", err)
		}
		_ = monitor.Stop()
		if err := loop.Shutdown(shutdownCtx); err != nil && !errors.Is(err, yieldloop.ErrLoopTerminated) && result == nil {
			result = fmt.Errorf("event loop shutdown: %w", err)
		}
		return result
	})

	err = g.Wait()

	stats := monitor.Stats()
	logger.Info().
		Int64(`lag_ticks`, stats.Ticks).
		Int64(`lag_alerts`, stats.Alerts).
		Dur(`lag_max`, stats.Max).
		Log(`stopped`)

	return err
}
