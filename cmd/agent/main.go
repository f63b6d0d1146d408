package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/agent"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/logging"
)

type agentConfig struct {
	ServerURL string        `env:"ADMIN_WS_URL,default=ws://localhost:8765"`
	APIKey    string        `env:"API_KEY,required"`
	StaffID   string        `env:"STAFF_ID"`
	Name      string        `env:"STAFF_NAME,default=Unknown User"`
	Division  string        `env:"STAFF_DIVISION,default=Unassigned"`
	Interval  time.Duration `env:"SCREENSHOT_INTERVAL,default=3s"`
	Quality   int           `env:"JPEG_QUALITY,default=30"`
	MaxWidth  int           `env:"MAX_WIDTH,default=1280"`
	Display   int           `env:"DISPLAY_INDEX,default=0"`
	LogLevel  string        `env:"LOG_LEVEL,default=info"`
	LogFormat string        `env:"LOG_FORMAT,default=console"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	var cfg agentConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	if cfg.StaffID == "" {
		cfg.StaffID = defaultStaffID()
		logger.Warn().Str("staff_id", cfg.StaffID).Msg("STAFF_ID not set, using a generated id")
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		log.Fatal().Int("quality", cfg.Quality).Msg("JPEG_QUALITY must be between 1 and 100")
	}

	s := agent.New(agent.Config{
		URL:      cfg.ServerURL,
		APIKey:   cfg.APIKey,
		StaffID:  cfg.StaffID,
		Name:     cfg.Name,
		Division: cfg.Division,
		Interval: cfg.Interval,
	}, displayCapturer(cfg.Display, cfg.MaxWidth, cfg.Quality), logger)

	logger.Info().Str("url", cfg.ServerURL).Dur("interval", cfg.Interval).Msg("agent starting")
	if err := s.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent stopped")
	}
	logger.Info().Msg("agent stopped")
}

// displayCapturer grabs one display and encodes it as JPEG.
func displayCapturer(display, maxWidth, quality int) agent.Capturer {
	return agent.CapturerFunc(func(context.Context) ([]byte, error) {
		n := screenshot.NumActiveDisplays()
		if n <= 0 {
			return nil, fmt.Errorf("no active displays")
		}
		if display >= n {
			display = 0
		}
		img, err := screenshot.CaptureDisplay(display)
		if err != nil {
			return nil, fmt.Errorf("capture display %d: %w", display, err)
		}
		return agent.EncodeJPEG(img, maxWidth, quality)
	})
}

func defaultStaffID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s_%s", host, uuid.NewString()[:8])
}
