package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type settings struct {
	Port         string        `env:"PORT,default=8081"`
	DeliveryRate float64       `env:"DELIVERY_RATE,default=1"`
	MinDelay     time.Duration `env:"MIN_DELAY,default=500ms"`
	MaxDelay     time.Duration `env:"MAX_DELAY,default=3s"`
	CallbackURL  string        `env:"STATUS_CALLBACK_URL"`
}

func loadSettings() (settings, error) {
	var s settings
	if _, err := env.UnmarshalFromEnviron(&s); err != nil {
		return s, err
	}
	if s.DeliveryRate < 0 || s.DeliveryRate > 1 {
		return s, fmt.Errorf("DELIVERY_RATE must be between 0 and 1, got %v", s.DeliveryRate)
	}
	if s.MaxDelay < s.MinDelay {
		return s, fmt.Errorf("MAX_DELAY %s is below MIN_DELAY %s", s.MaxDelay, s.MinDelay)
	}
	return s, nil
}

// A local stand-in for the sms provider api, used to run campaigns end to
// end without sending real messages. Point TWILIO_BASE_URL at it.
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	gin.SetMode(gin.ReleaseMode)

	cfg, err := loadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid settings")
	}
	log.Info().
		Str("port", cfg.Port).
		Float64("delivery_rate", cfg.DeliveryRate).
		Dur("min_delay", cfg.MinDelay).
		Dur("max_delay", cfg.MaxDelay).
		Str("status_callback", cfg.CallbackURL).
		Msg("starting mock sms provider")

	provider := NewMockProvider(cfg.DeliveryRate, cfg.MinDelay, cfg.MaxDelay, cfg.CallbackURL)
	defer provider.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           SetupRouter(NewHandler(provider)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
		return
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("mock provider stopped")
}
