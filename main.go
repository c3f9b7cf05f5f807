package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/ptgott/smtpsend/email"
	"github.com/ptgott/smtpsend/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	log.Logger = log.With().Caller().Logger()

	configPath := flag.String(
		"config",
		"./config.yaml",
		"path to a JSON or YAML file containing your configuration",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	timeout := flag.Duration(
		"timeout",
		0,
		"give up on the whole send after this long (0 waits indefinitely)",
	)
	async := flag.Bool(
		"async",
		false,
		"send in the background and wait for the outcome",
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	f, err := os.Open(*configPath)
	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		os.Exit(1)
	}

	// An interrupt cancels the send at the next network step.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, f, *timeout, *async)
	f.Close()
	stop()
	os.Exit(code)
}

// run parses the config in r, sends the configured message and returns the
// process exit code.
func run(ctx context.Context, r io.Reader, timeout time.Duration, async bool, opts ...email.Option) int {
	config, err := userconfig.Parse(r)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		return 1
	}

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		return 1
	}

	msg, err := checkedConfig.Message.Build()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem building the message")
		return 1
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sender := email.NewSender(checkedConfig.EmailSettings, opts...)

	var res email.Result
	if async {
		o := <-sender.SendAsync(ctx, msg)
		res, err = o.Result, o.Err
	} else {
		res, err = sender.SendContext(ctx, msg)
	}

	if err != nil {
		log.Error().Err(err).Msg("could not send the message")
		return 1
	}

	switch r := res.(type) {
	case email.Success:
		log.Info().
			Strs("to", checkedConfig.Message.To).
			Msg("message sent")
		return 0
	case email.Failure:
		log.Error().
			Err(r.Err).
			Str("reason", r.Reason).
			Msg("the relay did not take the message")
		return 1
	default:
		log.Error().Msgf("unexpected result type %T", res)
		return 1
	}
}
