package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-companion/pkg/bookmark"
	"voice-companion/pkg/config"
	"voice-companion/pkg/errors"
	"voice-companion/pkg/history"
	httpserver "voice-companion/pkg/http"
	"voice-companion/pkg/metrics"
	"voice-companion/pkg/realtime"
	"voice-companion/pkg/util"
	"voice-companion/pkg/version"
	"voice-companion/pkg/voice"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// provider is a voice provider owning a connection that must be released
type provider interface {
	voice.Provider
	Close() error
}

// logSink reports transport and history failures to the log
type logSink struct {
	logger *logrus.Logger
}

func (s logSink) ReportError(sessionID string, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"session_id": sessionID,
		"code":       errors.GetErrorCode(err),
	}).Error("Session error")
}

func newProvider(cfg *config.Config) (provider, error) {
	switch cfg.Provider.Backend {
	case config.ProviderWebSocket:
		return realtime.NewWebSocketProvider(logger, realtime.WebSocketConfig{
			URL:              cfg.Provider.URL,
			Token:            cfg.Provider.Token,
			HandshakeTimeout: cfg.Provider.HandshakeTimeout,
		})
	default:
		return realtime.NewMockProvider(logger, realtime.MockConfig{
			ConnectDelay:   cfg.Provider.MockConnectDelay,
			TurnInterval:   cfg.Provider.MockTurnInterval,
			EndAfterScript: true,
		}), nil
	}
}

// newRecorder returns the history recorder, a reader when the backend can list
// sessions, and a cleanup function
func newRecorder(cfg *config.Config) (history.Recorder, history.Reader, func()) {
	if cfg.History.Backend != config.HistoryAMQP {
		recorder := history.NewMemoryRecorder()
		return recorder, recorder, func() {}
	}

	recorder := history.NewAMQPRecorder(logger, history.AMQPConfig{
		URL:            cfg.History.AMQPURL,
		QueueName:      cfg.History.AMQPQueueName,
		PublishTimeout: cfg.History.Timeout,
	})
	if err := recorder.Connect(); err != nil {
		// Sessions reconnect lazily on the first recording.
		logger.WithError(err).Warn("AMQP history backend unavailable at startup")
	}
	return recorder, nil, recorder.Disconnect
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":      version.Version,
		"provider":     cfg.Provider.Backend,
		"history":      cfg.History.Backend,
		"companion_id": cfg.Assistant.CompanionID,
	}).Info("Starting voice companion")

	metrics.StartMetrics(logger, cfg.HTTP.EnableMetrics)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	voiceProvider, err := newProvider(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create voice provider")
	}

	recorder, reader, closeRecorder := newRecorder(cfg)

	controller, err := voice.NewController(logger, voiceProvider, voice.ControllerConfig{
		Assistant:     cfg.Assistant,
		Recorder:      recorder,
		Errors:        logSink{logger: logger},
		RecordTimeout: cfg.History.Timeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session controller")
	}

	companionID := cfg.Assistant.CompanionID
	bookmarks := bookmark.NewToggler(logger, bookmark.NewMemoryStore(), companionID, "/companions/"+companionID, false,
		func(id string) {
			logger.WithField("companion_id", id).Info("Companion removed from bookmarks")
		})

	var server *httpserver.Server
	if cfg.HTTP.Enabled {
		server = httpserver.NewServer(logger, &httpserver.Config{
			Port:            cfg.HTTP.Port,
			EnableMetrics:   cfg.HTTP.EnableMetrics,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		})

		handler := httpserver.NewSessionHandler(logger, controller, reader, bookmarks)
		handler.RegisterHandlers(server)

		hub := httpserver.NewViewHub(logger, handler)
		controller.AddListener(hub)
		go hub.Run(rootCtx)
		server.RegisterHandler("/ws", hub.ServeWs)
		server.AddHealthCheck("websocket", hub.HealthCheck)

		if amqpRecorder, ok := recorder.(*history.AMQPRecorder); ok {
			server.AddHealthCheck("history", func() error {
				if !amqpRecorder.IsConnected() {
					return errors.Wrap(errors.ErrUnavailable, "AMQP history backend disconnected")
				}
				return nil
			})
		}

		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	rootCancel()

	shutdown := util.NewGracefulShutdown(logger, 15*time.Second)
	if server != nil {
		shutdown.Register(util.ShutdownResource{Name: "http", Priority: 0, Shutdown: server.Shutdown})
	}
	// Stops an in-flight session and waits for pending history recordings.
	shutdown.RegisterFunc("session", 10, controller.Close)
	shutdown.RegisterFunc("provider", 20, voiceProvider.Close)
	shutdown.RegisterFunc("history", 30, func() error {
		closeRecorder()
		return nil
	})

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Shutdown completed with errors")
	}

	logger.Info("Application shut down gracefully")
}
